package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Envelope wire format shared with the realtime backend:
// ivHex:tagHex:ciphertextHex, AES-256-GCM with a scrypt-derived key. The
// backend splits on ':' so the three segments and their order are fixed.
const (
	ivSize  = 16
	tagSize = 16

	scryptN = 16384
	scryptR = 8
	scryptP = 1
	keySize = 32
)

// ErrEnvelopeInvalid indicates the envelope was malformed or failed
// authentication (tampered ciphertext, wrong key).
var ErrEnvelopeInvalid = errors.New("session: invalid envelope")

// Key is the sealing key derived from the shared secret. The scrypt pass is
// deliberately expensive, so derive once per process and reuse.
type Key struct {
	aead cipher.AEAD
}

// DeriveKey runs the scrypt KDF over the shared secret and prepares the
// AES-256-GCM cipher for it.
func DeriveKey(secret string) (*Key, error) {
	raw, err := scrypt.Key([]byte(secret), []byte("salt"), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Key{aead: gcm}, nil
}

// Seal encrypts plaintext with a random IV and an integrity tag, so
// tampering is detectable on Open.
func (k *Key) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}

	sealed := k.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Open decrypts and authenticates an envelope produced by Seal.
func (k *Key) Open(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return nil, ErrEnvelopeInvalid
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, ErrEnvelopeInvalid
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrEnvelopeInvalid
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrEnvelopeInvalid
	}

	plaintext, err := k.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	return plaintext, nil
}

// Seal is the one-shot form for callers without a long-lived Key.
func Seal(plaintext []byte, secret string) (string, error) {
	k, err := DeriveKey(secret)
	if err != nil {
		return "", err
	}
	return k.Seal(plaintext)
}

// Open is the one-shot form for callers without a long-lived Key.
func Open(envelope, secret string) ([]byte, error) {
	k, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return k.Open(envelope)
}
