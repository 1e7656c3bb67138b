// crypto/crypto.go
//
// Package crypto seals and opens the persisted note payload with AES-256-GCM
// under a key derived from a fixed application passphrase. The derivation
// parameters are frozen: previously persisted data must stay decryptable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// We should probably use a more secure key source than a constant.
const (
	passphrase = "noteworthy-secure-key-2025"
	salt       = "noteworthy-salt"
	iterations = 100000
	keyLength  = 32
	ivLength   = 12
)

// ErrDecrypt reports ciphertext that cannot be authenticated or parsed.
// Callers must treat it as "no usable payload", never as garbage plaintext.
var ErrDecrypt = errors.New("crypto: cannot decrypt payload")

var (
	keyOnce sync.Once
	key     []byte
)

func derivedKey() []byte {
	keyOnce.Do(func() {
		key = pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, keyLength, sha256.New)
	})
	return key
}

// sealed is the wire form: iv and ciphertext as plain numeric byte arrays.
type sealed struct {
	IV   []int `json:"iv"`
	Data []int `json:"data"`
}

// Encrypt seals plaintext with a fresh random IV and returns the serialized
// sealed structure. Two calls with the same input never produce the same output.
func Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)

	raw, err := json.Marshal(sealed{IV: toInts(iv), Data: toInts(ct)})
	if err != nil {
		return "", fmt.Errorf("crypto: encode sealed payload: %w", err)
	}
	return string(raw), nil
}

// Decrypt opens a payload produced by Encrypt. Any corruption, tampering, or
// malformed input yields ErrDecrypt.
func Decrypt(payload string) (string, error) {
	var s sealed
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(s.IV) != ivLength {
		return "", fmt.Errorf("%w: bad iv length %d", ErrDecrypt, len(s.IV))
	}

	iv, err := toBytes(s.IV)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ct, err := toBytes(s.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(derivedKey())
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}
	return gcm, nil
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func toBytes(ints []int) ([]byte, error) {
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
