package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/soar"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleEvent() *soar.Event {
	return &soar.Event{
		Type: soar.EventExecutionFailed,
		Payload: map[string]interface{}{
			"execution_id": "exec-1",
			"playbook_id":  "pb-1",
			"error":        "firewall rejected rule",
			"failed_step":  2,
		},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	data, err := EncodeEvent(sampleEvent())
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, soar.EventExecutionFailed, got.Type)
	assert.Equal(t, "exec-1", got.Payload["execution_id"])
	assert.Equal(t, "firewall rejected rule", got.Payload["error"])
	assert.EqualValues(t, 2, got.Payload["failed_step"])
	assert.True(t, got.Timestamp.Equal(sampleEvent().Timestamp))

	_, err = DecodeEvent([]byte("not msgpack"))
	assert.Error(t, err)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := Subscribe(ctx, client, "", nil)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "", nil)
	assert.Equal(t, DefaultEventsChannel, pub.Channel())
	require.NoError(t, pub.Notify(ctx, sampleEvent()))

	select {
	case got := <-events:
		assert.Equal(t, soar.EventExecutionFailed, got.Type)
		assert.Equal(t, "pb-1", got.Payload["playbook_id"])
	case <-ctx.Done():
		t.Fatal("event was not received")
	}
}

func TestRedisPublisher_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPublisher(client, "events", nil).Notify(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "failed to publish execution_failed event")
}

func TestMulti(t *testing.T) {
	var delivered []string
	ok := soar.NotifierFunc(func(ctx context.Context, e *soar.Event) error {
		delivered = append(delivered, "ok")
		return nil
	})
	failing := soar.NotifierFunc(func(ctx context.Context, e *soar.Event) error {
		return errors.New("unreachable")
	})
	panicking := soar.NotifierFunc(func(ctx context.Context, e *soar.Event) error {
		panic("bad sink")
	})

	m := NewMulti(nil, Sink{Name: "failing", Notifier: failing}, Sink{Name: "panicking", Notifier: panicking})
	m.Add("test_ok", ok)
	assert.Equal(t, 3, m.Len())

	before := testutil.ToFloat64(metrics.LifecycleEvents.WithLabelValues("step_started", "test_ok"))
	err := m.Notify(context.Background(), &soar.Event{Type: soar.EventStepStarted})

	assert.Equal(t, []string{"ok"}, delivered)
	assert.ErrorContains(t, err, "failing: unreachable")
	assert.ErrorContains(t, err, "panicking: sink panicked: bad sink")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LifecycleEvents.WithLabelValues("step_started", "test_ok")))
}

func TestLogNotifier(t *testing.T) {
	zcore, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(zcore).Sugar())

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.NoError(t, n.Notify(context.Background(), &soar.Event{Type: soar.EventExecutionStarted}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "exec-1", entries[0].ContextMap()["execution_id"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
}

var testPolicy = soar.OutboundPolicy{AllowHTTP: true, AllowPrivateNetworks: true}

func fastRetry(n int) soar.RetryPolicy {
	return soar.RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestWebhookSender_Routes(t *testing.T) {
	var generic, slack map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &generic)
	})
	mux.HandleFunc("/slack", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &slack)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sender, err := NewWebhookSender(WebhookConfig{
		WebhookURL:      srv.URL + "/hook",
		SlackWebhookURL: srv.URL + "/slack",
		Headers:         map[string]string{"X-Token": "secret"},
		Policy:          testPolicy,
		Retry:           fastRetry(0),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), &soar.Notification{
		Channel: "email", Recipients: []string{"soc@example.com"}, Subject: "S", Message: "M",
	}))
	assert.Equal(t, "email", generic["channel"])
	assert.Equal(t, "M", generic["message"])
	assert.Equal(t, []interface{}{"soc@example.com"}, generic["recipients"])

	require.NoError(t, sender.Send(context.Background(), &soar.Notification{Channel: "#soc", Subject: "Alert", Message: "Blocked"}))
	assert.Equal(t, "*Alert*\nBlocked", slack["text"])
	assert.Equal(t, "#soc", slack["channel"])
}

func TestWebhookSender_RetriesAndBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers, err := core.NewBreakerSet(core.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	require.NoError(t, err)
	sender, err := NewWebhookSender(WebhookConfig{
		WebhookURL: srv.URL,
		Policy:     testPolicy,
		Breakers:   breakers,
		Retry:      fastRetry(3),
	}, nil)
	require.NoError(t, err)

	err = sender.Send(context.Background(), &soar.Notification{Channel: "webhook", Message: "x"})
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "breaker stops further attempts")
}

func TestNewWebhookSender_Validation(t *testing.T) {
	_, err := NewWebhookSender(WebhookConfig{}, nil)
	assert.Error(t, err)

	_, err = NewWebhookSender(WebhookConfig{WebhookURL: "http://10.0.0.1/hook"}, nil)
	assert.ErrorIs(t, err, soar.ErrOutboundURLBlocked)

	sender, err := NewWebhookSender(WebhookConfig{SlackWebhookURL: "https://hooks.slack.com/services/x"}, nil)
	require.NoError(t, err)
	err = sender.Send(context.Background(), &soar.Notification{Channel: "email"})
	assert.ErrorContains(t, err, `no webhook configured for channel "email"`)
}
