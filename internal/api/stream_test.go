package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/events"
)

func TestStream_DeliversTenantEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	srv, _, _ := newTestServer(t, func(cfg *Config) { cfg.Bus = bus })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	header := http.Header{"x-api-key": []string{"sk-org1"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// The subscription is registered after the upgrade completes, so
	// keep publishing until the client sees a frame.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				bus.Publish(context.Background(), events.Event{
					Type:           events.TaskCompleted,
					OrganizationID: "org_2",
					ResourceID:     "task_other",
				})
				bus.Publish(context.Background(), events.Event{
					Type:           events.TaskCompleted,
					OrganizationID: "org_1",
					ResourceID:     "task_1",
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))

	// Subscriptions are tenant scoped; the other org's event never arrives.
	assert.Equal(t, events.TaskCompleted, ev.Type)
	assert.Equal(t, "org_1", ev.OrganizationID)
	assert.Equal(t, "task_1", ev.ResourceID)
	assert.NotEmpty(t, ev.ID)
}

func TestStream_RequiresAuth(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, func(cfg *Config) { cfg.Bus = events.NewBus() })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStream_UnconfiguredBus(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	rec, env := doJSON(t, srv.Handler(), http.MethodGet, "/v1/stream", "sk-org1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}
