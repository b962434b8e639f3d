package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &recordingSink{}
	d := NewDispatcher(1, 32, time.Second, m, zap.NewNop(), sink)

	for i := 0; i < 40; i++ {
		d.Emit(TypeUserOnline, map[string]any{"n": i})
	}

	assert.Equal(t, 32, d.QueueLen())
	assert.Equal(t, 8.0, testutil.ToFloat64(m.DroppedInternalTotal))
}

func TestDispatcher_RunDrainsOnShutdown(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &recordingSink{}
	d := NewDispatcher(2, 64, time.Second, m, zap.NewNop(), sink)

	d.Emit(TypeUserOnline, map[string]any{"user_id": "alice"})
	d.Emit(TypeCallOffered, map[string]any{"call_id": "c1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.ElementsMatch(t, []string{TypeUserOnline, TypeCallOffered}, sink.types())

	// Emit after shutdown is ignored instead of panicking on a closed channel.
	assert.NotPanics(t, func() { d.Emit(TypeUserOffline, nil) })
}

func TestDispatcher_SinkErrorsAreCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &recordingSink{err: errors.New("down")}
	d := NewDispatcher(1, 32, time.Second, m, zap.NewNop(), sink)

	d.Emit(TypeCallEnded, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InternalEventsTotal.WithLabelValues(TypeCallEnded, "error")))
}

func TestDispatcher_NoSinksIsNoop(t *testing.T) {
	d := NewDispatcher(1, 32, time.Second, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	d.Emit(TypeUserOnline, nil)
	assert.Zero(t, d.QueueLen())
}

func TestWebhookSink_SignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "hook-secret", time.Second)
	err := sink.Handle(context.Background(), Event{
		Type:    TypeCallAnswered,
		Payload: map[string]any{"call_id": "c1"},
		At:      time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, Sign("hook-secret", gotBody), gotSig)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, TypeCallAnswered, decoded["event_type"])
	assert.Equal(t, "c1", decoded["payload"].(map[string]any)["call_id"])
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "", time.Second).Handle(context.Background(), Event{Type: TypeUserOffline})
	assert.Error(t, err)
}

func TestSign(t *testing.T) {
	sig := Sign("k", []byte("body"))
	assert.Len(t, sig, len("sha256=")+64)
	assert.Equal(t, sig, Sign("k", []byte("body")))
	assert.NotEqual(t, sig, Sign("other", []byte("body")))
}
