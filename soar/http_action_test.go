package soar

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"aegis/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localPolicy = OutboundPolicy{AllowHTTP: true, AllowPrivateNetworks: true}

func newTestHTTPAction(t *testing.T, retries int) *HTTPRequestAction {
	t.Helper()
	breakers, err := core.NewBreakerSet(core.CircuitBreakerConfig{MaxFailures: 5, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	require.NoError(t, err)
	return NewHTTPRequestAction(localPolicy, breakers, fastPolicy(retries), nil)
}

func TestHTTPRequestAction_PostsJSON(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Get("X-Case")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	execCtx := NewExecutionContext()
	execCtx.Set("incident_id", "INC-5")
	res, err := newTestHTTPAction(t, 0).Execute(context.Background(), map[string]interface{}{
		"url":     srv.URL + "/hooks",
		"method":  "post",
		"body":    map[string]interface{}{"incident": "INC-5"},
		"headers": map[string]interface{}{"X-Case": "{{incident_id}}"},
	}, execCtx)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, 200, res.Output["status_code"])
	assert.Equal(t, map[string]interface{}{"accepted": true}, res.Output["response"])
	assert.Equal(t, "INC-5", gotHeader)
	assert.Equal(t, map[string]interface{}{"incident": "INC-5"}, gotBody)
}

func TestHTTPRequestAction_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	res, err := newTestHTTPAction(t, 2).Execute(context.Background(), map[string]interface{}{"url": srv.URL}, NewExecutionContext())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output["response"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPRequestAction_ClientErrorsFailWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := newTestHTTPAction(t, 2).Execute(context.Background(), map[string]interface{}{"url": srv.URL}, NewExecutionContext())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 404, res.Output["status_code"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPRequestAction_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := newTestHTTPAction(t, 1).Execute(context.Background(), map[string]interface{}{"url": srv.URL}, NewExecutionContext())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "max retries (1) exceeded")
}

func TestHTTPRequestAction_Validation(t *testing.T) {
	action := NewHTTPRequestAction(OutboundPolicy{}, nil, fastPolicy(0), nil)

	assert.Error(t, action.ValidateParams(map[string]interface{}{"url": "http://example.org"}))
	assert.Error(t, action.ValidateParams(map[string]interface{}{"url": "https://example.org", "method": "TRACE"}))
	assert.NoError(t, action.ValidateParams(map[string]interface{}{"url": "https://example.org", "method": "delete"}))

	res, err := action.Execute(context.Background(), map[string]interface{}{"url": "https://10.0.0.1/"}, NewExecutionContext())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "outbound URL blocked")
}
