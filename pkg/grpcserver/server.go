package grpcserver

import (
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	pb "github.com/opaque/admatch/api/admatchv1"
	"github.com/opaque/admatch/internal/service"
)

// DefaultMaxMessageBytes bounds request and response sizes. Evaluation keys
// and ciphertexts are large.
const DefaultMaxMessageBytes = 50 * 1024 * 1024

// ServerOptions returns the standard server options: message size limits and
// the recovery and logging interceptor chains.
func ServerOptions(logger logrus.FieldLogger, maxMessageBytes int) []grpc.ServerOption {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			LoggingStreamInterceptor(logger),
		),
	}
}

// NewGRPCServer builds a grpc.Server serving the Matcher service and the
// standard health service. The returned health server reports SERVING.
func NewGRPCServer(svc *service.MatchService, logger logrus.FieldLogger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(pb.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	pb.RegisterMatcherServer(gs, New(svc))
	return gs, healthServer
}
