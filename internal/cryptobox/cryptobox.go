// Package cryptobox encrypts structured records for the client's offline
// cache. Envelopes are authenticated (XChaCha20-Poly1305), so a tampered
// envelope fails to decrypt instead of yielding corrupted data.
package cryptobox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the minimum accepted key material length in bytes
const KeySize = 32

const envelopeVersion = 1

// Envelope carries one encrypted record
type Envelope struct {
	Version int    `json:"v"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

// Box holds the AEAD derived from injected key material. Built once at
// process start and passed by reference; never re-derived implicitly.
type Box struct {
	aead cipher.AEAD
}

// New derives a 32-byte AEAD key from the supplied material via
// HKDF-SHA256. Material shorter than KeySize is rejected outright.
func New(key []byte) (*Box, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("cryptobox: key material must be at least %d bytes, got %d", KeySize, len(key))
	}

	derived := make([]byte, KeySize)
	r := hkdf.New(sha256.New, key, nil, []byte("dentsync/cache/v1"))
	if _, err := r.Read(derived); err != nil {
		return nil, fmt.Errorf("cryptobox: key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	return &Box{aead: aead}, nil
}

// GenerateKey produces fresh random key material. Two calls never return
// the same key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	return key, nil
}

// Encrypt seals a structured record into an envelope with a random nonce
func (b *Box) Encrypt(record map[string]interface{}) (*Envelope, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: marshal record: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}

	ct := b.aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version: envelopeVersion,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens an envelope. Any modification to nonce or data fails the
// auth tag check.
func (b *Box) Decrypt(env *Envelope) (map[string]interface{}, error) {
	if env == nil {
		return nil, fmt.Errorf("cryptobox: nil envelope")
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("cryptobox: unsupported envelope version %d", env.Version)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: invalid nonce encoding: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("cryptobox: invalid nonce length %d", len(nonce))
	}

	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: invalid data encoding: %w", err)
	}

	plaintext, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decryption failed: invalid auth tag or corrupted data")
	}

	record := make(map[string]interface{})
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("cryptobox: unmarshal record: %w", err)
	}
	return record, nil
}

// EncryptBatch seals records in order; fails on the first error
func (b *Box) EncryptBatch(records []map[string]interface{}) ([]*Envelope, error) {
	envelopes := make([]*Envelope, 0, len(records))
	for i, record := range records {
		env, err := b.Encrypt(record)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: record %d: %w", i, err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// DecryptBatch opens envelopes in order; fails on the first error
func (b *Box) DecryptBatch(envelopes []*Envelope) ([]map[string]interface{}, error) {
	records := make([]map[string]interface{}, 0, len(envelopes))
	for i, env := range envelopes {
		record, err := b.Decrypt(env)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: envelope %d: %w", i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Hash returns the SHA-256 hex digest of the record's canonical JSON
// encoding. Deterministic: used for integrity checks, not confidentiality.
func Hash(record interface{}) (string, error) {
	// json.Marshal sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("cryptobox: marshal for hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
