// Package crypto encrypts OAuth tokens at rest with a key derived per tenant.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "inboxpilot-token-key"

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Encryptor performs AES-256-GCM with keys derived from a master key and the
// tenant id, so ciphertext from one tenant never opens under another.
type Encryptor struct {
	masterKey []byte

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewEncryptor(masterKey string) (*Encryptor, error) {
	if masterKey == "" {
		return nil, errors.New("master key is required")
	}
	return &Encryptor{
		masterKey: []byte(masterKey),
		keys:      make(map[string][]byte),
	}, nil
}

func (e *Encryptor) tenantKey(tenantID string) ([]byte, error) {
	e.mu.RLock()
	key, ok := e.keys[tenantID]
	e.mu.RUnlock()
	if ok {
		return key, nil
	}

	key = make([]byte, 32)
	r := hkdf.New(sha256.New, e.masterKey, []byte(tenantID), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}

	e.mu.Lock()
	e.keys[tenantID] = key
	e.mu.Unlock()
	return key, nil
}

func (e *Encryptor) gcm(tenantID string) (cipher.AEAD, error) {
	key, err := e.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns base64(nonce || ciphertext). Empty input encrypts to "".
func (e *Encryptor) Encrypt(tenantID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := e.gcm(tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(tenantID, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := e.gcm(tenantID)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
