// Package client is the profile owner's SDK for remote matching.
//
// The owner keeps the DecryptionKey. Only the EvaluationKey and encrypted
// profiles leave the process; metrics come back encrypted and are decrypted
// locally:
//
//	c, _ := client.Dial(cfg, dk)
//	c.RegisterKey(ctx, evk)
//	scores, _ := c.Match(ctx, userProfile, "campaign-1")
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/opaque/admatch/api/admatchv1"
	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

// ErrNoSession is returned by Match before RegisterKey succeeded.
var ErrNoSession = errors.New("no session: register the evaluation key first")

// Config holds client configuration.
type Config struct {
	// Address of the matching service, host:port.
	Address string

	// Credentials for the connection. Nil means plaintext.
	Credentials credentials.TransportCredentials

	// Requested session lifetime. The server may shorten it.
	SessionTTL time.Duration

	// Per-call timeout applied when the caller's context has none.
	CallTimeout time.Duration

	MaxMessageBytes int

	Logger *logrus.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Address:         "localhost:50051",
		SessionTTL:      time.Hour,
		CallTimeout:     2 * time.Minute,
		MaxMessageBytes: 50 * 1024 * 1024,
		Logger:          logrus.New(),
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// Score is the decrypted outcome of matching against one campaign.
type Score struct {
	CampaignID string
	Distance   int
	Overlap    int
}

// Client talks to a remote matching service on behalf of a profile owner.
type Client struct {
	config Config
	conn   *grpc.ClientConn
	rpc    pb.MatcherClient

	dk        *crypto.DecryptionKey
	encryptor *crypto.Encryptor
	decryptor *crypto.Decryptor

	mu        sync.RWMutex
	sessionID string
	expiresAt time.Time
}

// Dial connects to the matching service. The connection is established lazily.
func Dial(cfg Config, dk *crypto.DecryptionKey, opts ...grpc.DialOption) (*Client, error) {
	cfg = applyDefaults(cfg)

	creds := cfg.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes),
		),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}

	c, err := newClient(cfg, conn, dk)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config, conn *grpc.ClientConn, dk *crypto.DecryptionKey) (*Client, error) {
	encryptor, err := crypto.NewEncryptor(dk)
	if err != nil {
		return nil, err
	}
	decryptor, err := crypto.NewDecryptor(dk)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:    cfg,
		conn:      conn,
		rpc:       pb.NewMatcherClient(conn),
		dk:        dk,
		encryptor: encryptor,
		decryptor: decryptor,
	}, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.CallTimeout)
}

// RegisterKey uploads the evaluation key and opens a session. evk must belong
// to the same key pair as the client's DecryptionKey.
func (c *Client) RegisterKey(ctx context.Context, evk *crypto.EvaluationKey) (string, time.Duration, error) {
	if evk == nil || evk.Fingerprint() != c.dk.Fingerprint() {
		return "", 0, fmt.Errorf("%w: evaluation key does not belong to the decryption key", crypto.ErrKeyMismatch)
	}
	data, err := evk.MarshalBinary()
	if err != nil {
		return "", 0, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.rpc.RegisterKey(ctx, &pb.RegisterKeyRequest{
		EvaluationKey:     data,
		SessionTtlSeconds: int32(c.config.SessionTTL.Seconds()),
	})
	if err != nil {
		return "", 0, fmt.Errorf("register key: %w", err)
	}

	ttl := time.Duration(resp.SessionTtlSeconds) * time.Second
	c.mu.Lock()
	c.sessionID = resp.SessionId
	c.expiresAt = time.Now().Add(ttl)
	c.mu.Unlock()

	c.config.Logger.WithFields(logrus.Fields{
		"session":  resp.SessionId,
		"ttl":      ttl,
		"key_size": len(data),
	}).Debug("evaluation key registered")

	return resp.SessionId, ttl, nil
}

// SessionID returns the current session, if any.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsSessionExpired reports whether the session has lapsed.
func (c *Client) IsSessionExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID == "" || time.Now().After(c.expiresAt)
}

// Match encrypts p, asks the service to score it against campaignIDs (all
// campaigns when none are given) and decrypts the returned metrics.
func (c *Client) Match(ctx context.Context, p profile.Profile, campaignIDs ...string) ([]Score, error) {
	sid := c.SessionID()
	if sid == "" {
		return nil, ErrNoSession
	}

	enc, err := c.encryptor.Encrypt(p)
	if err != nil {
		return nil, err
	}
	data, err := enc.MarshalBinary()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.rpc.Match(ctx, &pb.MatchRequest{
		SessionId:        sid,
		EncryptedProfile: data,
		CampaignIds:      campaignIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}

	params := c.dk.Parameters()
	scores := make([]Score, len(resp.Scores))
	for i, s := range resp.Scores {
		d, err := c.decryptMetric(params, s.Distance)
		if err != nil {
			return nil, fmt.Errorf("campaign %q distance: %w", s.CampaignId, err)
		}
		o, err := c.decryptMetric(params, s.Overlap)
		if err != nil {
			return nil, fmt.Errorf("campaign %q overlap: %w", s.CampaignId, err)
		}
		scores[i] = Score{CampaignID: s.CampaignId, Distance: d, Overlap: o}
	}
	return scores, nil
}

func (c *Client) decryptMetric(params crypto.Parameters, data []byte) (int, error) {
	m, err := crypto.UnmarshalMetricResult(params, data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}
	return c.decryptor.DecryptMetric(m)
}

// PutCampaign stores a campaign target on the service. This is the
// advertiser's operation and needs no key material.
func (c *Client) PutCampaign(ctx context.Context, id, name string, target profile.Profile) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.rpc.PutCampaign(ctx, &pb.PutCampaignRequest{Campaign: &pb.Campaign{
		Id:        id,
		Name:      name,
		Width:     int32(target.Width()),
		TargetHex: target.String(),
	}})
	if err != nil {
		return "", fmt.Errorf("put campaign: %w", err)
	}
	return resp.Id, nil
}

// Health queries the service health.
func (c *Client) Health(ctx context.Context) (*pb.HealthCheckResponse, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return c.rpc.HealthCheck(ctx, &pb.HealthCheckRequest{})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
