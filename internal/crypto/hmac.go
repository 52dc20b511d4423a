package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names sent on every signed broker request.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-API-TIMESTAMP"
	HeaderSignature = "X-API-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated broker requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, raw bytes
}

// Headers returns the authentication headers for a request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(h.Secret), ts, method, path, body),
	}
}

// Sign computes the request signature. Servers verifying requests call it
// with the received timestamp.
func Sign(secret []byte, timestamp, method, path, body string) string {
	return hmacSHA256Base64(secret, timestamp+method+path+body)
}

// Verify reports whether sig matches the request in constant time.
func Verify(secret []byte, sig, timestamp, method, path, body string) bool {
	want := Sign(secret, timestamp, method, path, body)
	return hmac.Equal([]byte(want), []byte(sig))
}

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
