// Package keychain encrypts per-printer secrets (API keys, access codes)
// with a process-persistent symmetric key so credentials are never stored
// in the clear in the printers document.
package keychain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const keyFile = "secret.key"

// Codec is an AES-256-GCM codec keyed from the master key on disk.
type Codec struct {
	aead cipher.AEAD
}

// Open loads the master key from dir, generating and persisting a new one
// on first run. The key material on disk is URL-safe base64; the AEAD key
// is its SHA-256 digest, so the derivation is stable across restarts.
func Open(dir string) (*Codec, error) {
	var path = filepath.Join(dir, keyFile)
	var material string

	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		material = strings.TrimSpace(string(data))
	} else {
		var raw = make([]byte, 48)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		material = base64.RawURLEncoding.EncodeToString(raw)
		if err := os.WriteFile(path, []byte(material), 0o600); err != nil {
			return nil, fmt.Errorf("persisting master key: %w", err)
		}
		log.WithField("path", path).Info("generated new master key")
	}

	var digest = sha256.Sum256([]byte(material))
	block, err := aes.NewCipher(digest[:])
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext and returns URL-safe base64 ciphertext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	var nonce = make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	var sealed = c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. It returns ok=false on any
// decode or authentication failure; callers treat that as "credential
// unavailable" and let the printer drift OFFLINE.
func (c *Codec) Decrypt(ciphertext string) (string, bool) {
	var raw, err = base64.URLEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < c.aead.NonceSize() {
		return "", false
	}
	var nonce, sealed = raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
