package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// hmacSHA256 returns HMAC-SHA256(secret, concat(parts...)).
func hmacSHA256(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// hexEqual compares a computed MAC against a hex-encoded candidate in
// constant time. Malformed hex never matches.
func hexEqual(expected []byte, candidate string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(candidate))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// paddleSignature is a parsed "ts=<unix>;h1=<hex>[;h1=<hex>...]" header.
// Paddle sends several h1 values while a secret is being rotated.
type paddleSignature struct {
	timestamp string
	digests   []string
}

func parsePaddleSignature(header string) (paddleSignature, bool) {
	var sig paddleSignature
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			sig.timestamp = value
		case "h1":
			sig.digests = append(sig.digests, value)
		}
	}
	if sig.timestamp == "" || len(sig.digests) == 0 {
		return sig, false
	}
	return sig, true
}

// within reports whether the signed timestamp is no older than tolerance
// (and not further than tolerance in the future). Zero tolerance accepts
// any timestamp.
func (s paddleSignature) within(now time.Time, tolerance time.Duration) bool {
	ts, err := strconv.ParseInt(s.timestamp, 10, 64)
	if err != nil {
		return false
	}
	if tolerance <= 0 {
		return true
	}
	age := now.Sub(time.Unix(ts, 0))
	return age <= tolerance && age >= -tolerance
}
