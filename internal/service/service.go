// Package service implements the admatch matching service.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opaque/admatch/internal/session"
	"github.com/opaque/admatch/internal/store"
	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/match"
	"github.com/opaque/admatch/pkg/profile"
)

// Errors
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrInvalidProfile = errors.New("invalid encrypted profile")
)

// Config holds service configuration.
type Config struct {
	// Parameters fix the preset and profile width of the deployment.
	Parameters crypto.Parameters

	// Session configuration
	MaxSessionTTL time.Duration
	Evaluators    int

	// Concurrency limits
	MaxConcurrentMatches int

	Logger *logrus.Logger
}

// DefaultConfig returns a default configuration for params.
func DefaultConfig(params crypto.Parameters) Config {
	return Config{
		Parameters:           params,
		MaxSessionTTL:        24 * time.Hour,
		Evaluators:           4,
		MaxConcurrentMatches: 16,
		Logger:               logrus.New(),
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig(cfg.Parameters)
	if cfg.MaxSessionTTL <= 0 {
		cfg.MaxSessionTTL = def.MaxSessionTTL
	}
	if cfg.Evaluators < 1 {
		cfg.Evaluators = def.Evaluators
	}
	if cfg.MaxConcurrentMatches < 1 {
		cfg.MaxConcurrentMatches = def.MaxConcurrentMatches
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

// CampaignResult holds the serialized encrypted metrics for one campaign.
type CampaignResult struct {
	CampaignID string
	Distance   []byte
	Overlap    []byte
}

// MatchService is the matching evaluator exposed over the network. It holds
// campaign targets and evaluation keys, never a secret key.
type MatchService struct {
	config   Config
	store    store.CampaignStore
	sessions *session.Manager
	timings  *match.Timings
	log      *logrus.Logger

	// bounds concurrent Match calls across sessions
	sem chan struct{}
}

// NewMatchService creates a new matching service.
func NewMatchService(cfg Config, campaigns store.CampaignStore) (*MatchService, error) {
	if cfg.Parameters.Width() == 0 {
		return nil, fmt.Errorf("%w: parameters not set", crypto.ErrKey)
	}
	if campaigns == nil {
		return nil, errors.New("campaign store is required")
	}
	cfg = applyDefaults(cfg)

	timings := match.NewTimings()
	rec := match.Tee(timings, match.NewLogRecorder(cfg.Logger))

	return &MatchService{
		config:   cfg,
		store:    campaigns,
		sessions: session.NewManager(cfg.MaxSessionTTL, cfg.Evaluators, match.WithRecorder(rec)),
		timings:  timings,
		log:      cfg.Logger,
		sem:      make(chan struct{}, cfg.MaxConcurrentMatches),
	}, nil
}

// Close stops background work.
func (s *MatchService) Close() {
	s.sessions.Close()
}

// Parameters returns the crypto parameters of the deployment.
func (s *MatchService) Parameters() crypto.Parameters {
	return s.config.Parameters
}

// Width returns the profile width of the deployment.
func (s *MatchService) Width() int {
	return s.config.Parameters.Width()
}

// RegisterKey registers an owner's evaluation key and creates a session.
func (s *MatchService) RegisterKey(ctx context.Context, evaluationKey []byte, ttlSeconds int32) (string, int32, error) {
	evk, err := crypto.UnmarshalEvaluationKey(evaluationKey)
	if err != nil {
		return "", 0, err
	}
	if evk.Width() != s.Width() || evk.Parameters().Preset() != s.config.Parameters.Preset() {
		return "", 0, fmt.Errorf("%w: key is for %d bits (%s), service runs %d bits (%s)",
			crypto.ErrKey, evk.Width(), evk.Parameters().Preset(), s.Width(), s.config.Parameters.Preset())
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	sess, err := s.sessions.Create(evk, ttl)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"session":     sess.ID,
		"fingerprint": evk.Fingerprint().String(),
		"ttl":         sess.TTL(),
	}).Info("evaluation key registered")

	return sess.ID, int32(sess.TTL().Seconds()), nil
}

// PutCampaign stores a campaign target. An empty ID gets a generated one.
func (s *MatchService) PutCampaign(ctx context.Context, id, name string, target profile.Profile) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	err := s.store.Put(ctx, store.Campaign{
		ID:        id,
		Name:      name,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store campaign: %w", err)
	}
	return id, nil
}

// GetCampaign returns a stored campaign.
func (s *MatchService) GetCampaign(ctx context.Context, id string) (store.Campaign, error) {
	return s.store.Get(ctx, id)
}

// ListCampaigns returns all stored campaigns.
func (s *MatchService) ListCampaigns(ctx context.Context) ([]store.Campaign, error) {
	return s.store.List(ctx)
}

// DeleteCampaign removes campaigns.
func (s *MatchService) DeleteCampaign(ctx context.Context, ids ...string) error {
	return s.store.Delete(ctx, ids)
}

// Match evaluates an encrypted profile against the given campaigns. An empty
// campaign list matches every stored campaign.
func (s *MatchService) Match(ctx context.Context, sessionID string, encryptedProfile []byte, campaignIDs []string) ([]CampaignResult, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	enc, err := crypto.UnmarshalEncryptedProfile(sess.Key.Parameters(), encryptedProfile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}

	var campaigns []store.Campaign
	if len(campaignIDs) == 0 {
		campaigns, err = s.store.List(ctx)
	} else {
		campaigns, err = s.store.GetByIDs(ctx, campaignIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch campaigns: %w", err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	targets := make([]profile.Profile, len(campaigns))
	for i, c := range campaigns {
		targets[i] = c.Target
	}

	start := time.Now()
	results, err := sess.Pool.MatchBatch(ctx, enc, targets)
	if err != nil {
		return nil, err
	}

	out := make([]CampaignResult, len(results))
	for i, r := range results {
		d, err := r.Distance.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize distance: %w", err)
		}
		o, err := r.Overlap.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize overlap: %w", err)
		}
		out[i] = CampaignResult{CampaignID: campaigns[i].ID, Distance: d, Overlap: o}
	}

	s.log.WithFields(logrus.Fields{
		"session":   sess.ID,
		"campaigns": len(out),
		"elapsed":   time.Since(start),
	}).Debug("match completed")

	return out, nil
}

// GetSessionCount returns the number of active sessions.
func (s *MatchService) GetSessionCount() int {
	return s.sessions.Count()
}

// StageSummaries returns timing summaries for every matching stage seen.
func (s *MatchService) StageSummaries() []match.Summary {
	labels := s.timings.Labels()
	out := make([]match.Summary, 0, len(labels))
	for _, l := range labels {
		if sum, ok := s.timings.Summary(l); ok {
			out = append(out, sum)
		}
	}
	return out
}

// HealthCheck returns service health status.
func (s *MatchService) HealthCheck(ctx context.Context) (bool, string, int64, int64) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return false, fmt.Sprintf("store error: %v", err), 0, 0
	}

	return true, "healthy", int64(s.sessions.Count()), count
}

// ValidateSession checks if a session is valid.
func (s *MatchService) ValidateSession(sessionID string) error {
	_, err := s.sessions.Get(sessionID)
	return err
}

