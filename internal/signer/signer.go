// Package signer computes the per-request device signature the backend
// verifies on every authenticated call.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrEmptySecret = errors.New("device secret is empty")

// Signature carries the values attached to a signed request as the
// X-Device-Signature, X-Device-Timestamp and X-Device-Nonce headers.
type Signature struct {
	Signature string
	Timestamp string
	Nonce     string
}

// Sign binds method, path, current time, a fresh nonce and the exact wire
// body to the device secret. The canonical payload is the concatenation
// METHOD+path+timestamp+nonce+body; the body string must be byte-identical
// to what goes on the wire or server-side verification fails.
func Sign(method, path, body, secret string) (Signature, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	sig, err := signAt(method, path, body, secret, timestamp, nonce)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Signature: sig, Timestamp: timestamp, Nonce: nonce}, nil
}

// signAt is the deterministic core, split out so tests can pin timestamp and
// nonce.
func signAt(method, path, body, secret, timestamp, nonce string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	payload := strings.ToUpper(method) + path + timestamp + nonce + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for the given inputs and compares in
// constant time. It mirrors the server's check and is used by tests.
func Verify(method, path, body, secret, timestamp, nonce, signature string) bool {
	expected, err := signAt(method, path, body, secret, timestamp, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
