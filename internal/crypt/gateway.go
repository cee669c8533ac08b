// Package crypt seals designated PII and financial fields before they reach
// storage and masks them for display and audit snapshots.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "enc:v1:"

var (
	ErrKeySize   = errors.New("encryption key must be 32 bytes")
	ErrMalformed = errors.New("malformed sealed value")
)

// Gateway encrypts the fields it was configured with. Values of any other
// field pass through untouched.
type Gateway struct {
	master []byte
	fields map[string]struct{}

	mu    sync.Mutex
	aeads map[string]cipherAEAD
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a gateway from a 32-byte master key.
func New(key []byte, fields []string) (*Gateway, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	g := &Gateway{
		master: append([]byte(nil), key...),
		fields: make(map[string]struct{}, len(fields)),
		aeads:  make(map[string]cipherAEAD),
	}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			g.fields[f] = struct{}{}
		}
	}
	return g, nil
}

// KeyFromHex decodes a hex encoded 32-byte key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	return key, nil
}

// Designated reports whether field is sealed at rest.
func (g *Gateway) Designated(field string) bool {
	if g == nil {
		return false
	}
	_, ok := g.fields[field]
	return ok
}

// IsSealed reports whether v carries the sealed envelope prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Seal encrypts value when field is designated. Empty values stay empty.
func (g *Gateway) Seal(field, value string) (string, error) {
	if !g.Designated(field) || value == "" || IsSealed(value) {
		return value, nil
	}
	aead, err := g.aead(field)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(value), []byte(field))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without the envelope are returned as is.
func (g *Gateway) Open(field, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if g == nil {
		return "", fmt.Errorf("field %s is sealed and no key is configured", field)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := g.aead(field)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(field))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	return string(pt), nil
}

// Mask hides all but the last four letters or digits of a designated value.
func (g *Gateway) Mask(field, value string) string {
	if !g.Designated(field) {
		return value
	}
	return MaskTail(value, 4)
}

// MaskTail replaces every letter or digit except the last keep ones with '*'.
func MaskTail(value string, keep int) string {
	if IsSealed(value) {
		return "****"
	}
	runes := []rune(value)
	shown := 0
	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if !isAlnum(r) {
			continue
		}
		if shown < keep {
			shown++
			continue
		}
		runes[i] = '*'
	}
	return string(runes)
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// aead derives one key per field so ciphertexts cannot be moved between columns.
func (g *Gateway) aead(field string) (cipherAEAD, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.aeads[field]; ok {
		return a, nil
	}
	kdf := hkdf.New(sha256.New, g.master, nil, []byte("claimledger/field/"+field))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	g.aeads[field] = a
	return a, nil
}
