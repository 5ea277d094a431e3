package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revaudit/internal/config"
	"revaudit/internal/config/loader"
	"revaudit/internal/recon"
	"revaudit/internal/scheduler"
	"revaudit/internal/store/runstore"
)

type staticBackend struct{ orders []recon.RawOrder }

func (s staticBackend) FetchOrders(context.Context, string, recon.Window) ([]recon.RawOrder, error) {
	return s.orders, nil
}

type staticAnalytics struct{ events []recon.RawEvent }

func (s staticAnalytics) FetchEvents(context.Context, string, recon.Window) ([]recon.RawEvent, error) {
	return s.events, nil
}

func newTestServer(t *testing.T) (*Server, *runstore.Store) {
	t.Helper()
	dir := t.TempDir()
	clientsPath := filepath.Join(dir, "clients.yaml")
	require.NoError(t, os.WriteFile(clientsPath, []byte(`
clients:
  - id: acme
    name: Acme Storefront
    active: true
`), 0o644))
	clients, err := loader.NewRegistry(clientsPath)
	require.NoError(t, err)

	store, err := runstore.NewStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	svc, err := scheduler.NewService(scheduler.ServiceConfig{
		Store:     store,
		Backend:   staticBackend{orders: []recon.RawOrder{{OrderID: "A", TotalPrice: "10.00", Status: "complete"}}},
		Analytics: staticAnalytics{events: []recon.RawEvent{{TransactionID: "A", PurchaseRevenue: "10.00"}}},
		Clients:   clients,
		Recon:     cfg.Recon,
		Scheduler: cfg.Scheduler,
	})
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{Service: svc, Store: store, Clients: clients})
	require.NoError(t, err)
	return server, store
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{
		"client_id": "acme",
		"date":      "2026-03-14",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Run runstore.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Run.ClientID)

	// The background run completes and the result is fetchable.
	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := store.GetRun(context.Background(), resp.Run.ID)
		require.NoError(t, err)
		if run.Status == runstore.StatusSucceeded || run.Status == runstore.StatusFailed {
			assert.Equal(t, runstore.StatusSucceeded, run.Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "run never finished")
		time.Sleep(10 * time.Millisecond)
	}
	detail := doJSON(t, server, http.MethodGet, "/api/runs/"+resp.Run.ID, nil)
	assert.Equal(t, http.StatusOK, detail.Code)
	assert.Contains(t, detail.Body.String(), "match_rate_pct")
}

func TestTriggerEndpointValidation(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{"date": "2026-03-14"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{"client_id": "acme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/runs", map[string]any{"client_id": "nobody", "date": "2026-03-14"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/runs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme")
}

func TestCancelEndpoint(t *testing.T) {
	server, store := newTestServer(t)
	run, err := store.CreateRun(context.Background(), "acme", recon.DayWindow(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)), 3, false)
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodPost, "/api/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, got.Status)
}
