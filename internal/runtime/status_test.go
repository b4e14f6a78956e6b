package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/taskrelay/internal/runtime/jsoncodec"
	"github.com/drblury/taskrelay/internal/runtime/subscriber"
)

func TestHandleGetStatusReturnsSnapshot(t *testing.T) {
	svc, _ := newTestService(t, ServiceDependencies{})
	svc.Conf.StatusCORSAllowedOrigins = []string{"*"}
	require.NoError(t, svc.deliveries.Put(context.Background(), subscriber.Message{Body: []byte("x")}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	svc.handleGetStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var snap Snapshot
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ep-1", snap.EndpointID)
	assert.Equal(t, "tasks", snap.TaskQueue)
	assert.Equal(t, subscriber.StateDisconnected.String(), snap.SubscriberState)
	assert.Equal(t, QueueSnapshot{Len: 1, Cap: 128}, snap.Deliveries)
	assert.Equal(t, 1024, snap.Relay.Cap)
	assert.Equal(t, "channel", snap.ResultPublisher)
	assert.Equal(t, testTopic, snap.ResultTopic)
	assert.Equal(t, "channel", snap.Transport.Name)
	assert.Empty(t, snap.SubscriberError)
}

func TestHandleGetStatusCORS(t *testing.T) {
	svc, _ := newTestService(t, ServiceDependencies{})
	svc.Conf.StatusCORSAllowedOrigins = []string{"https://ops.example.com"}

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	rec := httptest.NewRecorder()
	svc.handleGetStatus(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	svc.handleGetStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleGetStatusRejectsWrites(t *testing.T) {
	svc, _ := newTestService(t, ServiceDependencies{})

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	svc.handleGetStatus(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegisterHTTPHandlerSharesPort(t *testing.T) {
	svc, _ := newTestService(t, ServiceDependencies{})
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	svc.RegisterHTTPHandler(9100, "/a", ok)
	svc.RegisterHTTPHandler(9100, "/b", ok)
	svc.RegisterHTTPHandler(9101, "/c", ok)

	assert.Len(t, svc.httpServers, 2)
	rec := httptest.NewRecorder()
	svc.httpServers[9100].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
