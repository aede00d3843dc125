// Package token generates QR secrets and derives the fingerprints that are
// stored in their place.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// Prefix versions the secret format so that future encodings can coexist.
	Prefix = "vv1_"

	secretBytes = 32
)

var (
	encoding = base64.RawURLEncoding

	// SecretLen is the printable length of a generated secret.
	SecretLen = len(Prefix) + encoding.EncodedLen(secretBytes)
)

// ErrEntropy is returned when the random source cannot supply enough bytes.
var ErrEntropy = errors.New("token: entropy source exhausted")

// Codec produces secrets and fingerprints. The zero value is not usable; use New.
type Codec struct {
	rand   io.Reader
	pepper []byte
}

// Option configures a Codec.
type Option func(*Codec)

// WithPepper keys the fingerprint with a server-side secret (HMAC-SHA256).
// Changing the pepper invalidates every issued credential.
func WithPepper(pepper string) Option {
	return func(c *Codec) {
		if pepper != "" {
			c.pepper = []byte(pepper)
		}
	}
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.rand = r
		}
	}
}

// New constructs a Codec reading from crypto/rand unless overridden.
func New(opts ...Option) *Codec {
	c := &Codec{rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate returns a fresh secret and its fingerprint. The secret must be
// handed to the caller once and never stored.
func (c *Codec) Generate() (secret, fingerprint string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	secret = Prefix + encoding.EncodeToString(buf)
	return secret, c.FingerprintOf(secret), nil
}

// FingerprintOf derives the lookup key for a secret. It is pure and
// deterministic for a given Codec configuration.
func (c *Codec) FingerprintOf(secret string) string {
	if len(c.pepper) > 0 {
		mac := hmac.New(sha256.New, c.pepper)
		mac.Write([]byte(secret))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether s could have been produced by Generate.
func WellFormed(s string) bool {
	if len(s) != SecretLen || !strings.HasPrefix(s, Prefix) {
		return false
	}
	body := s[len(Prefix):]
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	_, err := encoding.DecodeString(body)
	return err == nil
}
