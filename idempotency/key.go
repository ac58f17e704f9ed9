// Package idempotency derives request fingerprints for transactions whose
// caller supplied no idempotency key.
//
// Generated keys mix in wall-clock time and a random nonce, so two calls
// with the same logical input produce different keys even within the same
// millisecond. Callers that retry must send their own key.
package idempotency

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"
)

// Action labels mixed into generated keys.
const (
	ActionAddCredits     = "ADD_CREDITS"
	ActionConsumeCredits = "CONSUME_CREDITS"
)

// nonceSize is the number of random bytes mixed into each key.
const nonceSize = 16

// Generator derives keys from request fields, a clock and an entropy source.
type Generator struct {
	now     func() time.Time
	entropy io.Reader
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithEntropy sets the source of the per-call nonce. Defaults to
// crypto/rand.
func WithEntropy(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.entropy = r }
}

// NewGenerator returns a Generator reading time from now. A nil now uses
// time.Now.
func NewGenerator(now func() time.Time, opts ...GeneratorOption) *Generator {
	if now == nil {
		now = time.Now
	}
	g := &Generator{now: now, entropy: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the URL-safe base64 SHA-256 of
// "account:action:amount:unix-millis:nonce".
func (g *Generator) Generate(accountID, action, amount string) string {
	input := strings.Join([]string{
		accountID,
		action,
		amount,
		strconv.FormatInt(g.now().UnixMilli(), 10),
		g.nonce(),
	}, ":")
	sum := sha256.Sum256([]byte(input))
	return base64.URLEncoding.EncodeToString(sum[:])
}

func (g *Generator) nonce() string {
	b := make([]byte, nonceSize)
	if _, err := io.ReadFull(g.entropy, b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic("idempotency: read nonce: " + err.Error())
	}
	return hex.EncodeToString(b)
}

var defaultGenerator = NewGenerator(nil)

// Generate derives a key with the system clock.
func Generate(accountID, action, amount string) string {
	return defaultGenerator.Generate(accountID, action, amount)
}
