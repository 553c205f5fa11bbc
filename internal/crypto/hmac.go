package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests
// against the KuCoin REST API (key version 2).
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret
	Passphrase string // API passphrase, itself signed under key version 2
}

// Headers returns the HTTP headers for a signed KuCoin request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64; the timestamp is Unix milliseconds.
//
// Returned header keys:
//   - KC-API-KEY
//   - KC-API-SIGN
//   - KC-API-TIMESTAMP
//   - KC-API-PASSPHRASE
//   - KC-API-KEY-VERSION
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the millisecond
// timestamp (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, path, body string, unixMillis int64) map[string]string {
	ts := strconv.FormatInt(unixMillis, 10)

	message := ts + method + path + body
	sig := hmacSHA256Base64([]byte(h.Secret), message)

	// Key version 2 requires the passphrase to be signed with the secret.
	passphrase := hmacSHA256Base64([]byte(h.Secret), h.Passphrase)

	return map[string]string{
		"KC-API-KEY":         h.Key,
		"KC-API-SIGN":        sig,
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  passphrase,
		"KC-API-KEY-VERSION": "2",
	}
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
