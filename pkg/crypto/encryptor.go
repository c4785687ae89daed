package crypto

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/opaque/admatch/pkg/profile"
)

// Encryptor encrypts profiles under the public key of a DecryptionKey.
// It runs in the profile owner's trust domain and never contacts the network.
type Encryptor struct {
	params  Parameters
	encoder *bfv.Encoder
	enc     *rlwe.Encryptor
	fp      Fingerprint

	mu sync.Mutex
}

// NewEncryptor creates an encryptor bound to the key pair of dk.
func NewEncryptor(dk *DecryptionKey) (*Encryptor, error) {
	if !dk.valid() {
		return nil, fmt.Errorf("%w: decryption key is empty", ErrKey)
	}
	return &Encryptor{
		params:  dk.params,
		encoder: bfv.NewEncoder(dk.params.Parameters),
		enc:     rlwe.NewEncryptor(dk.params.Parameters, dk.pk),
		fp:      dk.fp,
	}, nil
}

// Encrypt packs p one bit per slot and encrypts it. The profile width must
// equal the key width.
func (e *Encryptor) Encrypt(p profile.Profile) (*EncryptedProfile, error) {
	if p.Width() != e.params.width {
		return nil, fmt.Errorf("%w: profile has %d bits, key expects %d", ErrKey, p.Width(), e.params.width)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pt := bfv.NewPlaintext(e.params.Parameters, e.params.MaxLevel())
	if err := e.encoder.Encode(p.Slots(), pt); err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}

	ct, err := e.enc.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return &EncryptedProfile{ct: ct, width: p.Width(), fp: e.fp}, nil
}
