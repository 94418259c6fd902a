package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationMiddlewareKeepsIncomingIDs(t *testing.T) {
	var gotCorr, gotReq string
	h := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorr = GetCorrelationID(r.Context())
		gotReq = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set(CorrelationHeader, "corr-fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-fixed", gotCorr)
	assert.Equal(t, "corr-fixed", rec.Header().Get(CorrelationHeader))
	assert.Regexp(t, `^req-[0-9a-f-]{36}$`, gotReq)
	assert.Equal(t, gotReq, rec.Header().Get(RequestIDHeader))
}

func TestWithContextAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Service: "wallet-session", Output: &buf})

	ctx := WithAddress(WithRequestID(WithCorrelationID(context.Background(), "corr-1"), "req-1"), "0xabc")
	logger.WithContext(ctx).Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "0xabc", line["address"])
	assert.Equal(t, "wallet-session", line["service"])

	buf.Reset()
	logger.WithContext(context.Background()).Info("bare")
	var bare map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &bare))
	assert.NotContains(t, bare, "request_id")
	assert.NotContains(t, bare, "address")
}
