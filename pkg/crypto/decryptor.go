package crypto

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/opaque/admatch/pkg/profile"
)

// Decryptor reveals metric results and profiles. It is the only component
// that turns ciphertexts into cleartext and must run in the profile owner's
// trust domain.
type Decryptor struct {
	params  Parameters
	encoder *bfv.Encoder
	dec     *rlwe.Decryptor
	fp      Fingerprint

	mu sync.Mutex
}

// NewDecryptor creates a decryptor for the key pair of dk.
func NewDecryptor(dk *DecryptionKey) (*Decryptor, error) {
	if !dk.valid() {
		return nil, fmt.Errorf("%w: decryption key is empty", ErrKey)
	}
	return &Decryptor{
		params:  dk.params,
		encoder: bfv.NewEncoder(dk.params.Parameters),
		dec:     rlwe.NewDecryptor(dk.params.Parameters, dk.sk),
		fp:      dk.fp,
	}, nil
}

// decodeSlots decrypts ct and decodes every slot.
func (d *Decryptor) decodeSlots(ct *rlwe.Ciphertext) ([]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt := d.dec.DecryptNew(ct)
	slots := make([]uint64, d.params.N())
	if err := d.encoder.Decode(pt, slots); err != nil {
		return nil, fmt.Errorf("%w: failed to decode: %v", ErrDecryption, err)
	}
	return slots, nil
}

func (d *Decryptor) checkHandle(width int, fp Fingerprint) error {
	if width != d.params.width {
		return fmt.Errorf("%w: ciphertext declares %d bits, key parameters have %d", ErrDecryption, width, d.params.width)
	}
	if fp != d.fp {
		return fmt.Errorf("%w: ciphertext was produced under key pair %s, not %s", ErrDecryption, fp, d.fp)
	}
	return nil
}

// DecryptMetric returns the integer in [0, W] held by a metric result.
//
// A metric carries its value in slot 0 and zeros everywhere else. Any other
// plaintext, including the noise produced by decrypting under a foreign
// secret key, is rejected.
func (d *Decryptor) DecryptMetric(m *MetricResult) (int, error) {
	if m == nil || m.ct == nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryption, ErrNilCiphertext)
	}
	if err := d.checkHandle(m.width, m.fp); err != nil {
		return 0, err
	}

	slots, err := d.decodeSlots(m.ct)
	if err != nil {
		return 0, err
	}

	value := slots[0]
	if value > uint64(m.width) {
		return 0, fmt.Errorf("%w: value %d outside [0, %d]", ErrDecryption, value, m.width)
	}
	for i := 1; i < len(slots); i++ {
		if slots[i] != 0 {
			return 0, fmt.Errorf("%w: malformed metric plaintext at slot %d", ErrDecryption, i)
		}
	}
	return int(value), nil
}

// DecryptProfile recovers the cleartext profile from an encrypted profile.
func (d *Decryptor) DecryptProfile(e *EncryptedProfile) (profile.Profile, error) {
	if e == nil || e.ct == nil {
		return profile.Profile{}, fmt.Errorf("%w: %v", ErrDecryption, ErrNilCiphertext)
	}
	if err := d.checkHandle(e.width, e.fp); err != nil {
		return profile.Profile{}, err
	}

	slots, err := d.decodeSlots(e.ct)
	if err != nil {
		return profile.Profile{}, err
	}
	for i := e.width; i < len(slots); i++ {
		if slots[i] != 0 {
			return profile.Profile{}, fmt.Errorf("%w: malformed profile plaintext at slot %d", ErrDecryption, i)
		}
	}

	p, err := profile.FromSlots(e.width, slots[:e.width])
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return p, nil
}
