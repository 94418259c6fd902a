package monitoring

import (
	"net/url"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSentryWithoutDSN(t *testing.T) {
	enabled, err := InitSentry(&SentryConfig{ServiceName: "wallet-session"})
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestFilterSensitiveData(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			Headers:     map[string]string{"Authorization": "Bearer abc", "Accept": "application/json"},
			QueryString: "address=0xabc&nonce=123",
		},
		Extra: map[string]interface{}{"signature": "0xdead", "address": "0xabc"},
		Contexts: map[string]sentry.Context{
			"session": {"session_token": "jwt", "state": "connected_authenticated"},
		},
	}

	FilterSensitiveData(event)

	assert.Equal(t, "[FILTERED]", event.Request.Headers["Authorization"])
	assert.Equal(t, "application/json", event.Request.Headers["Accept"])
	q, err := url.ParseQuery(event.Request.QueryString)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", q.Get("address"))
	assert.Equal(t, "[FILTERED]", q.Get("nonce"))
	assert.Equal(t, "[FILTERED]", event.Extra["signature"])
	assert.Equal(t, "0xabc", event.Extra["address"])
	assert.Equal(t, "[FILTERED]", event.Contexts["session"]["session_token"])
	assert.Equal(t, "connected_authenticated", event.Contexts["session"]["state"])
}
