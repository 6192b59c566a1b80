package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliverer_PostsPayload(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDeliverer(testLogger())
	p := Payload{
		Event:     "task.completed",
		Data:      map[string]any{"task_id": "task_1"},
		Timestamp: time.Now().UTC(),
		RequestID: "req_abc",
	}
	require.NoError(t, d.Deliver(context.Background(), srv.URL, p))

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "req_abc", gotHeaders.Get("X-Skyvern-Request-ID"))
	assert.Empty(t, gotHeaders.Get("X-Skyvern-Signature"))

	var decoded Payload
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "task.completed", decoded.Event)
}

func TestDeliverer_SignsWhenSecretConfigured(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Skyvern-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDeliverer(testLogger(), WithSigningSecret("topsecret"))
	require.NoError(t, d.Deliver(context.Background(), srv.URL, Payload{
		Event:     "workflow_run.completed",
		RequestID: "req_1",
	}))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestDeliverer_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDeliverer(testLogger())
	require.NoError(t, d.Deliver(context.Background(), srv.URL, Payload{Event: "task.failed", RequestID: "req_1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverer_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDeliverer(testLogger())
	err := d.Deliver(context.Background(), srv.URL, Payload{Event: "task.failed", RequestID: "req_1"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeWebhookDeliveryFailed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverer_EmptyURLIsNoop(t *testing.T) {
	t.Parallel()

	d := NewDeliverer(testLogger())
	assert.NoError(t, d.Deliver(context.Background(), "", Payload{Event: "task.completed"}))
}
