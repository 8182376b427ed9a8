package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// DefaultRecvWindow is the validity window, in milliseconds, attached to
// every signed request.
const DefaultRecvWindow = 5000

// HMACAuth holds the API credentials for signed spot exchange requests.
type HMACAuth struct {
	Key        string // API key, sent in the X-MEXC-APIKEY header
	Secret     string // API secret, used as the HMAC key
	RecvWindow int    // milliseconds; DefaultRecvWindow when zero
}

// Configured reports whether both key and secret are present.
func (h *HMACAuth) Configured() bool {
	return h != nil && h.Key != "" && h.Secret != ""
}

// Sign stamps params with the current timestamp and recvWindow and returns
// the full query string including the trailing signature parameter.
//
// The signature is hex(HMAC-SHA256(secret, encoded query)).
func (h *HMACAuth) Sign(params url.Values) string {
	return h.SignAt(params, time.Now().UnixMilli())
}

// SignAt is like Sign but lets the caller supply the millisecond timestamp
// (useful for deterministic testing).
func (h *HMACAuth) SignAt(params url.Values, unixMillis int64) string {
	if params == nil {
		params = url.Values{}
	}
	window := h.RecvWindow
	if window <= 0 {
		window = DefaultRecvWindow
	}
	params.Set("timestamp", strconv.FormatInt(unixMillis, 10))
	params.Set("recvWindow", strconv.Itoa(window))

	query := params.Encode()
	return query + "&signature=" + hmacSHA256Hex([]byte(h.Secret), query)
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// lowercase hex digest.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
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
