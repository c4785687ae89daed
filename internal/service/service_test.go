package service

import (
	"context"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/admatch/internal/session"
	"github.com/opaque/admatch/internal/store"
	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/match"
	"github.com/opaque/admatch/pkg/profile"
)

type owner struct {
	dk  *crypto.DecryptionKey
	evk *crypto.EvaluationKey
	enc *crypto.Encryptor
	dec *crypto.Decryptor
}

func newOwner(t *testing.T, params crypto.Parameters) *owner {
	t.Helper()
	dk, evk, err := crypto.GenerateKeys(params)
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(dk)
	require.NoError(t, err)
	dec, err := crypto.NewDecryptor(dk)
	require.NoError(t, err)
	return &owner{dk: dk, evk: evk, enc: enc, dec: dec}
}

func (o *owner) encryptWords(t *testing.T, words ...uint64) []byte {
	t.Helper()
	p, err := profile.FromWords(o.dk.Width(), words...)
	require.NoError(t, err)
	ct, err := o.enc.Encrypt(p)
	require.NoError(t, err)
	data, err := ct.MarshalBinary()
	require.NoError(t, err)
	return data
}

func (o *owner) reveal(t *testing.T, data []byte) int {
	t.Helper()
	m, err := crypto.UnmarshalMetricResult(o.dk.Parameters(), data)
	require.NoError(t, err)
	n, err := o.dec.DecryptMetric(m)
	require.NoError(t, err)
	return n
}

func (o *owner) register(t *testing.T, svc *MatchService) string {
	t.Helper()
	evk, err := o.evk.MarshalBinary()
	require.NoError(t, err)
	id, _, err := svc.RegisterKey(context.Background(), evk, 600)
	require.NoError(t, err)
	return id
}

func newTestService(t *testing.T, width int) (*MatchService, crypto.Parameters) {
	t.Helper()
	params, err := crypto.NewParameters(crypto.PN13, width)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := DefaultConfig(params)
	cfg.Evaluators = 2
	cfg.Logger = logger

	svc, err := NewMatchService(cfg, store.NewMemoryStore(width))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, params
}

func target(t *testing.T, width int, words ...uint64) profile.Profile {
	t.Helper()
	p, err := profile.FromWords(width, words...)
	require.NoError(t, err)
	return p
}

func TestNewMatchService_Invalid(t *testing.T) {
	_, err := NewMatchService(Config{}, store.NewMemoryStore(32))
	assert.ErrorIs(t, err, crypto.ErrKey)

	params, err := crypto.NewParameters(crypto.PN13, 32)
	require.NoError(t, err)
	_, err = NewMatchService(DefaultConfig(params), nil)
	assert.Error(t, err)
}

func TestRegisterKey(t *testing.T) {
	svc, params := newTestService(t, 32)
	o := newOwner(t, params)

	evk, err := o.evk.MarshalBinary()
	require.NoError(t, err)

	id, ttl, err := svc.RegisterKey(context.Background(), evk, 3600)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(3600), ttl)
	assert.Equal(t, 1, svc.GetSessionCount())
	require.NoError(t, svc.ValidateSession(id))

	// TTL is capped by the service.
	_, ttl, err = svc.RegisterKey(context.Background(), evk, 1<<30)
	require.NoError(t, err)
	assert.Equal(t, int32(svc.config.MaxSessionTTL.Seconds()), ttl)

	_, _, err = svc.RegisterKey(context.Background(), []byte("garbage"), 60)
	assert.ErrorIs(t, err, crypto.ErrKey)
}

func TestRegisterKey_WrongWidth(t *testing.T) {
	svc, _ := newTestService(t, 32)
	params64, err := crypto.NewParameters(crypto.PN13, 64)
	require.NoError(t, err)
	o := newOwner(t, params64)

	evk, err := o.evk.MarshalBinary()
	require.NoError(t, err)
	_, _, err = svc.RegisterKey(context.Background(), evk, 60)
	assert.ErrorIs(t, err, crypto.ErrKey)
}

func TestCampaigns(t *testing.T) {
	svc, _ := newTestService(t, 32)
	ctx := context.Background()

	id, err := svc.PutCampaign(ctx, "", "generated", target(t, 32, 0xAAAA))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = svc.PutCampaign(ctx, "fixed", "fixed", target(t, 32, 0x1))
	require.NoError(t, err)

	c, err := svc.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "generated", c.Name)

	list, err := svc.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.PutCampaign(ctx, "wide", "", target(t, 128, 1))
	assert.ErrorIs(t, err, profile.ErrWidthMismatch)

	require.NoError(t, svc.DeleteCampaign(ctx, id, "fixed"))
	healthy, msg, sessions, campaigns := svc.HealthCheck(ctx)
	assert.True(t, healthy)
	assert.Equal(t, "healthy", msg)
	assert.Zero(t, sessions)
	assert.Zero(t, campaigns)
}

func TestMatch(t *testing.T) {
	svc, params := newTestService(t, 32)
	ctx := context.Background()
	o := newOwner(t, params)
	sid := o.register(t, svc)

	_, err := svc.PutCampaign(ctx, "sports", "", target(t, 32, 0xAAAA))
	require.NoError(t, err)
	_, err = svc.PutCampaign(ctx, "same", "", target(t, 32, 0xFF))
	require.NoError(t, err)

	results, err := svc.Match(ctx, sid, o.encryptWords(t, 0xFF), []string{"sports", "same"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "sports", results[0].CampaignID)
	assert.Equal(t, 8, o.reveal(t, results[0].Distance))
	assert.Equal(t, 4, o.reveal(t, results[0].Overlap))

	assert.Equal(t, "same", results[1].CampaignID)
	assert.Equal(t, 0, o.reveal(t, results[1].Distance))
	assert.Equal(t, 8, o.reveal(t, results[1].Overlap))

	// No IDs matches every campaign.
	all, err := svc.Match(ctx, sid, o.encryptWords(t, 0xFF), nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	labels := map[string]bool{}
	for _, s := range svc.StageSummaries() {
		labels[s.Label] = true
		assert.Positive(t, s.Count)
	}
	assert.True(t, labels[match.StagePopCount])
	assert.True(t, labels[match.StageDistance])
	assert.True(t, labels[match.StageOverlap])
}

func TestMatch_Errors(t *testing.T) {
	svc, params := newTestService(t, 32)
	ctx := context.Background()
	o := newOwner(t, params)
	sid := o.register(t, svc)
	_, err := svc.PutCampaign(ctx, "c", "", target(t, 32, 0xAAAA))
	require.NoError(t, err)

	_, err = svc.Match(ctx, "unknown", o.encryptWords(t, 0xFF), nil)
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = svc.Match(ctx, sid, []byte("garbage"), nil)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = svc.Match(ctx, sid, o.encryptWords(t, 0xFF), []string{"missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A profile encrypted under another key pair is refused.
	other := newOwner(t, params)
	_, err = svc.Match(ctx, sid, other.encryptWords(t, 0xFF), nil)
	assert.ErrorIs(t, err, crypto.ErrKeyMismatch)
}

// wireProfile mirrors the envelope a client sends for an encrypted profile.
type wireProfile struct {
	Kind        string `cbor:"1,keyasint"`
	Width       int    `cbor:"2,keyasint"`
	Fingerprint []byte `cbor:"3,keyasint"`
	Ciphertext  []byte `cbor:"4,keyasint"`
}

func TestMatch_CiphertextFromLargerRing(t *testing.T) {
	svc, params := newTestService(t, 32)
	ctx := context.Background()
	o := newOwner(t, params)
	sid := o.register(t, svc)
	_, err := svc.PutCampaign(ctx, "c", "", target(t, 32, 0xAAAA))
	require.NoError(t, err)

	pn14, err := crypto.NewParameters(crypto.PN14, 32)
	require.NoError(t, err)
	big := newOwner(t, pn14)

	// Claim the session's key pair so only the ring shape gives it away.
	var env wireProfile
	require.NoError(t, cbor.Unmarshal(big.encryptWords(t, 0xFF), &env))
	fp := o.dk.Fingerprint()
	env.Fingerprint = fp[:]
	forged, err := cbor.Marshal(env)
	require.NoError(t, err)

	_, err = svc.Match(ctx, sid, forged, nil)
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.ErrorIs(t, err, crypto.ErrCiphertext)

	// The service keeps working afterwards.
	results, err := svc.Match(ctx, sid, o.encryptWords(t, 0xFF), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
