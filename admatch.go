// Package admatch matches user interest profiles against ad campaigns without
// revealing the profile to the party doing the matching.
//
// A profile is a fixed-width bit vector (one bit per interest category). The
// profile owner encrypts it under a BFV key pair; the matching service holds
// only the evaluation key and computes, against each campaign's cleartext
// target, the Hamming distance and the overlap score (number of shared set
// bits). Both metrics come back encrypted and only the owner can read them.
//
// # Quick Start
//
//	sess, err := admatch.NewSession(admatch.Config{Width: 256})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	user, _ := profile.FromWords(256, 0x00ff, 0, 0x00ff)
//	target, _ := profile.FromWords(256, 0xaaaa, 0, 0xaaaa)
//
//	scores, err := sess.Evaluate(ctx, user, target)
//	fmt.Println(scores[0].Distance, scores[0].Overlap) // 16 8
//
// # Roles
//
// [Session] is the owner side: it holds the decryption key, encrypts profiles
// and decrypts metrics. [Session.EvaluationKey] is what gets shipped to a
// remote evaluator (see packages client and grpcserver). [Session.Evaluate]
// runs both halves in-process, which is what the admatch command uses.
//
// # Widths
//
// Every profile, target and key carries its width. Operands of different
// widths are rejected with [crypto.ErrWidthMismatch]; nothing is padded or
// truncated.
package admatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/match"
	"github.com/opaque/admatch/pkg/profile"
)

// Config configures a [Session]. Only Width is required.
type Config struct {
	// Width is the profile width in bits. All profiles encrypted by the
	// session and all targets evaluated against them must have this width.
	Width int

	// Preset selects the ring parameters. PN13 carries up to 4096 bits,
	// PN14 up to 8192.
	// Default: PN13, or PN14 when Width exceeds 4096.
	Preset crypto.Preset

	// Evaluators is the number of evaluators used by [Session.Evaluate].
	// Default: runtime.NumCPU(), capped at 8.
	Evaluators int

	// Recorder receives per-stage timings from local evaluation.
	// Default: none.
	Recorder match.Recorder

	// Logger for session events.
	// Default: logrus.New().
	Logger *logrus.Logger
}

// Score is the decrypted outcome of matching one target.
type Score struct {
	Distance int
	Overlap  int
}

// Session owns one key pair for one user session.
//
// Encrypt, Decrypt and DecryptMatch are safe for concurrent use.
type Session struct {
	cfg    Config
	params crypto.Parameters

	dk        *crypto.DecryptionKey
	evk       *crypto.EvaluationKey
	encryptor *crypto.Encryptor
	decryptor *crypto.Decryptor

	poolOnce sync.Once
	pool     *match.Pool
	poolErr  error
}

// NewSession generates a fresh key pair for cfg.Width.
//
// Key generation takes a noticeable amount of time (rotation keys for the
// count-ones tree are the bulk of it), so sessions are meant to be reused.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Width <= 0 {
		return nil, fmt.Errorf("admatch: Width is required and must be positive, got %d", cfg.Width)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	params, err := crypto.NewParameters(cfg.Preset, cfg.Width)
	if err != nil {
		return nil, fmt.Errorf("admatch: %w", err)
	}
	dk, evk, err := crypto.GenerateKeys(params)
	if err != nil {
		return nil, fmt.Errorf("admatch: key generation: %w", err)
	}
	encryptor, err := crypto.NewEncryptor(dk)
	if err != nil {
		return nil, err
	}
	decryptor, err := crypto.NewDecryptor(dk)
	if err != nil {
		return nil, err
	}

	cfg.Logger.WithFields(logrus.Fields{
		"width":       cfg.Width,
		"preset":      cfg.Preset,
		"fingerprint": dk.Fingerprint(),
	}).Debug("admatch session created")

	return &Session{
		cfg:       cfg,
		params:    params,
		dk:        dk,
		evk:       evk,
		encryptor: encryptor,
		decryptor: decryptor,
	}, nil
}

// Width returns the session's profile width.
func (s *Session) Width() int {
	return s.cfg.Width
}

// Parameters returns the session's ring parameters.
func (s *Session) Parameters() crypto.Parameters {
	return s.params
}

// Fingerprint identifies the session's key pair.
func (s *Session) Fingerprint() crypto.Fingerprint {
	return s.dk.Fingerprint()
}

// DecryptionKey returns the secret half of the key pair. It must not leave
// the owner's process.
func (s *Session) DecryptionKey() *crypto.DecryptionKey {
	return s.dk
}

// EvaluationKey returns the public half to hand to an evaluator.
func (s *Session) EvaluationKey() *crypto.EvaluationKey {
	return s.evk
}

// Encrypt encrypts p under the session key.
func (s *Session) Encrypt(p profile.Profile) (*crypto.EncryptedProfile, error) {
	if p.Width() != s.cfg.Width {
		return nil, fmt.Errorf("%w: session has %d bits, profile has %d", crypto.ErrWidthMismatch, s.cfg.Width, p.Width())
	}
	return s.encryptor.Encrypt(p)
}

// Decrypt reveals one metric.
func (s *Session) Decrypt(m *crypto.MetricResult) (int, error) {
	return s.decryptor.DecryptMetric(m)
}

// DecryptProfile reveals an encrypted profile, such as the output of a
// bitwise stage.
func (s *Session) DecryptProfile(e *crypto.EncryptedProfile) (profile.Profile, error) {
	return s.decryptor.DecryptProfile(e)
}

// DecryptMatch reveals both metrics of a match.
func (s *Session) DecryptMatch(r match.Result) (Score, error) {
	distance, err := s.decryptor.DecryptMetric(r.Distance)
	if err != nil {
		return Score{}, fmt.Errorf("distance: %w", err)
	}
	overlap, err := s.decryptor.DecryptMetric(r.Overlap)
	if err != nil {
		return Score{}, fmt.Errorf("overlap: %w", err)
	}
	return Score{Distance: distance, Overlap: overlap}, nil
}

// Pool returns the session's local evaluator pool, creating it on first use.
func (s *Session) Pool() (*match.Pool, error) {
	s.poolOnce.Do(func() {
		var opts []match.Option
		if s.cfg.Recorder != nil {
			opts = append(opts, match.WithRecorder(s.cfg.Recorder))
		}
		s.pool, s.poolErr = match.NewPool(s.evk, s.cfg.Evaluators, opts...)
	})
	return s.pool, s.poolErr
}

// Evaluate encrypts p, matches it against every target on the local pool
// and decrypts the results. Scores are in target order.
func (s *Session) Evaluate(ctx context.Context, p profile.Profile, targets ...profile.Profile) ([]Score, error) {
	enc, err := s.Encrypt(p)
	if err != nil {
		return nil, err
	}
	pool, err := s.Pool()
	if err != nil {
		return nil, err
	}
	results, err := pool.MatchBatch(ctx, enc, targets)
	if err != nil {
		return nil, err
	}

	scores := make([]Score, len(results))
	for i, r := range results {
		if scores[i], err = s.DecryptMatch(r); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
	}
	return scores, nil
}

// applyDefaults fills zero-value fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Preset == crypto.PN13 && cfg.Width > crypto.PN13.MaxWidth() {
		cfg.Preset = crypto.PN14
	}
	if cfg.Evaluators <= 0 {
		cfg.Evaluators = runtime.NumCPU()
		if cfg.Evaluators > 8 {
			cfg.Evaluators = 8
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
}

// validateConfig checks that the config values are consistent.
func validateConfig(cfg *Config) error {
	if cfg.Width > profile.MaxWidth {
		return fmt.Errorf("admatch: Width must be <= %d, got %d", profile.MaxWidth, cfg.Width)
	}
	if cfg.Width > cfg.Preset.MaxWidth() {
		return fmt.Errorf("admatch: Width %d exceeds the %d slots of preset %s", cfg.Width, cfg.Preset.MaxWidth(), cfg.Preset)
	}
	return nil
}
