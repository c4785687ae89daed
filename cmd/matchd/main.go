// Command matchd runs the matching evaluator gRPC server.
//
// Usage:
//
//	matchd [-config matchd.yaml] [-grpc-port 50051] [-store /var/lib/matchd]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opaque/admatch/internal/config"
	"github.com/opaque/admatch/internal/service"
	"github.com/opaque/admatch/internal/store"
	"github.com/opaque/admatch/pkg/grpcserver"
	"github.com/opaque/admatch/pkg/profile"
)

var (
	configPath    = flag.String("config", "", "YAML config file")
	grpcPort      = flag.Int("grpc-port", 0, "gRPC server port (overrides config)")
	httpPort      = flag.Int("http-port", 0, "HTTP health port (overrides config)")
	width         = flag.Int("width", 0, "Profile width in bits (overrides config)")
	storePath     = flag.String("store", "", "Badger directory for campaigns (overrides config; empty keeps them in memory)")
	tlsCert       = flag.String("tls-cert", "", "TLS certificate file (overrides config)")
	tlsKey        = flag.String("tls-key", "", "TLS key file (overrides config)")
	demoCampaigns = flag.Int("demo-campaigns", 0, "Number of random demo campaigns to create")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "matchd: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.NewLogger()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("matchd failed")
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "grpc-port":
			cfg.Server.Port = *grpcPort
		case "http-port":
			cfg.Server.HTTPPort = *httpPort
		case "width":
			cfg.Crypto.Width = *width
		case "store":
			cfg.Store.Path = *storePath
		case "tls-cert":
			cfg.Server.TLSCert = *tlsCert
		case "tls-key":
			cfg.Server.TLSKey = *tlsKey
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(cfg config.Config, logger *logrus.Logger) (store.CampaignStore, error) {
	if cfg.Store.Path == "" {
		logger.Info("keeping campaigns in memory")
		return store.NewMemoryStore(cfg.Crypto.Width), nil
	}
	logger.WithField("path", cfg.Store.Path).Info("opening campaign store")
	return store.OpenBadgerStore(cfg.Store.Path, cfg.Crypto.Width)
}

func run(cfg config.Config, logger *logrus.Logger) error {
	params, err := cfg.Parameters()
	if err != nil {
		return err
	}

	campaigns, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer campaigns.Close()

	svc, err := service.NewMatchService(service.Config{
		Parameters:           params,
		MaxSessionTTL:        cfg.Session.MaxTTL,
		Evaluators:           cfg.Session.Evaluators,
		MaxConcurrentMatches: cfg.Session.MaxConcurrentMatches,
		Logger:               logger,
	}, campaigns)
	if err != nil {
		return fmt.Errorf("failed to create match service: %w", err)
	}
	defer svc.Close()

	if *demoCampaigns > 0 {
		if err := generateDemoCampaigns(svc, *demoCampaigns, cfg.Crypto.Width); err != nil {
			return err
		}
		logger.WithField("count", *demoCampaigns).Info("demo campaigns created")
	}

	serverOpts := grpcserver.ServerOptions(logger, cfg.Server.MaxMessageBytes)
	if cfg.Server.TLSCert != "" {
		creds, err := grpcserver.LoadTLSCredentials(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
		logger.Info("TLS enabled")
	}
	grpcServer, healthServer := grpcserver.NewGRPCServer(svc, logger, serverOpts...)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Server.Port,
			"width":  params.Width(),
			"preset": params.Preset(),
		}).Info("gRPC server listening")
		errCh <- grpcServer.Serve(grpcLis)
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: healthMux(svc),
	}
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("shutting down")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("server stopped, shutting down")
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		logger.Warn("graceful stop timed out, forcing")
		grpcServer.Stop()
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown")
	}

	logger.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

// healthMux serves liveness, readiness and stage timing endpoints.
func healthMux(svc *service.MatchService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy, msg, sessions, campaigns := svc.HealthCheck(r.Context())
		if healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK\n")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %s\n", msg)
		}
		fmt.Fprintf(w, "Sessions: %d\n", sessions)
		fmt.Fprintf(w, "Campaigns: %s\n", humanize.Comma(campaigns))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})

	mux.HandleFunc("/stagez", func(w http.ResponseWriter, r *http.Request) {
		for _, s := range svc.StageSummaries() {
			fmt.Fprintf(w, "%-18s n=%-8s mean=%-12v p95=%-12v max=%v\n",
				s.Label, humanize.Comma(int64(s.Count)), s.Mean, s.P95, s.Max)
		}
	})
	return mux
}

// generateDemoCampaigns creates n campaigns with random sparse targets.
func generateDemoCampaigns(svc *service.MatchService, n, width int) error {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		var bits []int
		for b := 0; b < width; b++ {
			if rand.Intn(8) == 0 {
				bits = append(bits, b)
			}
		}
		target, err := profile.New(width, bits...)
		if err != nil {
			return err
		}
		id := fmt.Sprintf("demo_%d", i)
		if _, err := svc.PutCampaign(ctx, id, "demo campaign "+humanize.Ordinal(i+1), target); err != nil {
			return fmt.Errorf("failed to add demo campaign %s: %w", id, err)
		}
	}
	return nil
}
