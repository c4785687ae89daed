package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/zeebo/blake3"
)

// Fingerprint identifies a key pair. It is derived from public material only
// and tags every key and ciphertext produced under the pair.
type Fingerprint [16]byte

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func fingerprintOf(params Parameters, pk *rlwe.PublicKey) (Fingerprint, error) {
	buf := new(bytes.Buffer)
	if _, err := pk.WriteTo(buf); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to serialize public key: %w", err)
	}
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(params.preset))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(params.width))

	h := blake3.New()
	h.Write(hdr[:])
	h.Write(buf.Bytes())

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// DecryptionKey is the private capability of the profile owner. It can
// encrypt profiles and decrypt results. It has no serialized form and must
// never be handed to the matching service.
type DecryptionKey struct {
	params Parameters
	sk     *rlwe.SecretKey
	pk     *rlwe.PublicKey
	fp     Fingerprint
}

// Parameters returns the parameters the key was generated for.
func (k *DecryptionKey) Parameters() Parameters {
	return k.params
}

// Width returns the profile width of the key pair.
func (k *DecryptionKey) Width() int {
	return k.params.width
}

// Fingerprint returns the key-pair fingerprint.
func (k *DecryptionKey) Fingerprint() Fingerprint {
	return k.fp
}

func (k *DecryptionKey) valid() bool {
	return k != nil && k.sk != nil && k.pk != nil && !k.fp.IsZero()
}

// EvaluationKey is the public capability used by the matching service. It
// holds rotation keys for the population count circuit and nothing that
// allows decryption. An EvaluationKey is read-only and safe for concurrent use.
type EvaluationKey struct {
	params Parameters
	evk    *rlwe.MemEvaluationKeySet
	fp     Fingerprint
}

// Parameters returns the parameters the key was generated for.
func (k *EvaluationKey) Parameters() Parameters {
	return k.params
}

// Width returns the profile width of the key pair.
func (k *EvaluationKey) Width() int {
	return k.params.width
}

// Fingerprint returns the key-pair fingerprint.
func (k *EvaluationKey) Fingerprint() Fingerprint {
	return k.fp
}

func (k *EvaluationKey) valid() bool {
	return k != nil && k.evk != nil && !k.fp.IsZero()
}

// GenerateKeys runs the key authority: it samples a fresh secret key and
// derives the public encryption key and the evaluation key from it.
func GenerateKeys(params Parameters) (*DecryptionKey, *EvaluationKey, error) {
	if params.width == 0 {
		return nil, nil, fmt.Errorf("%w: parameters not initialized", ErrKey)
	}

	kgen := rlwe.NewKeyGenerator(params.Parameters)
	sk, pk := kgen.GenKeyPairNew()

	fp, err := fingerprintOf(params, pk)
	if err != nil {
		return nil, nil, err
	}

	// Only rotation keys: matching never multiplies two ciphertexts, so no
	// relinearization key is issued.
	evk := rlwe.NewMemEvaluationKeySet(nil, kgen.GenGaloisKeysNew(params.galoisElements(), sk)...)

	return &DecryptionKey{params: params, sk: sk, pk: pk, fp: fp},
		&EvaluationKey{params: params, evk: evk, fp: fp},
		nil
}

// evaluationKeyEnvelope is the wire form of an EvaluationKey.
type evaluationKeyEnvelope struct {
	Preset      int    `cbor:"1,keyasint"`
	Width       int    `cbor:"2,keyasint"`
	Fingerprint []byte `cbor:"3,keyasint"`
	Keys        []byte `cbor:"4,keyasint"`
}

// MarshalBinary serializes the evaluation key for transfer to the matching
// service.
func (k *EvaluationKey) MarshalBinary() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("%w: empty evaluation key", ErrKey)
	}
	keys, err := k.evk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize evaluation key: %w", err)
	}
	return cbor.Marshal(evaluationKeyEnvelope{
		Preset:      int(k.params.preset),
		Width:       k.params.width,
		Fingerprint: k.fp[:],
		Keys:        keys,
	})
}

// UnmarshalEvaluationKey parses a serialized evaluation key and checks that
// it carries every rotation key the popcount circuit needs.
func UnmarshalEvaluationKey(data []byte) (*EvaluationKey, error) {
	var env evaluationKeyEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize evaluation key: %v", ErrKey, err)
	}
	if len(env.Fingerprint) != len(Fingerprint{}) {
		return nil, fmt.Errorf("%w: fingerprint has %d bytes", ErrKey, len(env.Fingerprint))
	}

	params, err := NewParameters(Preset(env.Preset), env.Width)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}

	evk := rlwe.NewMemEvaluationKeySet(nil)
	if err := evk.UnmarshalBinary(env.Keys); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize rotation keys: %v", ErrKey, err)
	}
	for _, galEl := range params.galoisElements() {
		if _, err := evk.GetGaloisKey(galEl); err != nil {
			return nil, fmt.Errorf("%w: missing rotation key %d: %v", ErrKey, galEl, err)
		}
	}

	var fp Fingerprint
	copy(fp[:], env.Fingerprint)
	if fp.IsZero() {
		return nil, fmt.Errorf("%w: zero fingerprint", ErrKey)
	}

	return &EvaluationKey{params: params, evk: evk, fp: fp}, nil
}
