// Package cipher seals channel payloads end to end. Each channel gets its
// own XChaCha20-Poly1305 key derived from a shared master key with HKDF.
package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = chacha20poly1305.KeySize

	hkdfSalt = "studio/realtime/channel-key/v1"
)

var ErrShortCiphertext = errors.New("ciphertext too short")

type Cipher struct {
	master []byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &Cipher{
		master: append([]byte(nil), masterKey...),
		aeads:  make(map[string]cipher.AEAD),
	}, nil
}

// GenerateKey returns a random master key encoded as base64
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (c *Cipher) aead(channel string) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.aeads[channel]; ok {
		return a, nil
	}

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, c.master, []byte(hkdfSalt), []byte(channel))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	c.aeads[channel] = a
	return a, nil
}

// Seal encrypts plaintext for channel and returns base64(nonce || ciphertext).
// The channel name is bound as additional data.
func (c *Cipher) Seal(channel string, plaintext []byte) (string, error) {
	a, err := c.aead(channel)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, a.NonceSize(), a.NonceSize()+len(plaintext)+a.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := a.Seal(nonce, nonce, plaintext, []byte(channel))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Open(channel, sealed string) ([]byte, error) {
	a, err := c.aead(channel)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < a.NonceSize()+a.Overhead() {
		return nil, ErrShortCiphertext
	}
	return a.Open(nil, raw[:a.NonceSize()], raw[a.NonceSize():], []byte(channel))
}
