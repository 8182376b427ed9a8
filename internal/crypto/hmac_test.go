package crypto

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAt(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quantity", "1")

	got := auth.SignAt(params, 1700000000000)

	assert.Equal(t,
		"quantity=1&recvWindow=5000&side=BUY&symbol=BTCUSDT&timestamp=1700000000000&type=MARKET"+
			"&signature=262e54fd887fde068f019250e15d4021d906ca76429b935e63ffcd3f336a161c",
		got)
}

func TestSignAtNilParams(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret", RecvWindow: 10000}
	got := auth.SignAt(nil, 42)
	assert.True(t, strings.HasPrefix(got, "recvWindow=10000&timestamp=42&signature="))
}

func TestHMACAuthString(t *testing.T) {
	auth := &HMACAuth{Key: "abcdefgh", Secret: "xy"}
	s := auth.String()
	assert.Equal(t, "HMACAuth{key=abcd****, secret=****}", s)
	assert.NotContains(t, s, "efgh")
}

func TestConfigured(t *testing.T) {
	var nilAuth *HMACAuth
	assert.False(t, nilAuth.Configured())
	assert.False(t, (&HMACAuth{Key: "k"}).Configured())
	assert.True(t, (&HMACAuth{Key: "k", Secret: "s"}).Configured())
}
