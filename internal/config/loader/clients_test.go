package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientsYAML = `
clients:
  - id: acme
    name: Acme Storefront
    timezone: Europe/Bucharest
    active: true
    schedule:
      frequency: daily
      at: "03:00"
  - id: globex
    name: Globex Shop
    active: true
    schedule:
      frequency: hourly
  - id: dormant
    name: Old Tenant
    active: false
`

func writeClients(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(writeClients(t, clientsYAML))
	require.NoError(t, err)

	active := reg.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "acme", active[0].ID)
	assert.Equal(t, "globex", active[1].ID)

	acme, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, "Europe/Bucharest", acme.Location().String())

	globex, ok := reg.Get("globex")
	require.True(t, ok)
	assert.Equal(t, time.UTC, globex.Location())

	_, ok = reg.Get("nobody")
	assert.False(t, ok)
}

func TestNewRegistryRejectsBadFiles(t *testing.T) {
	_, err := NewRegistry(writeClients(t, "clients:\n  - id: \"\"\n"))
	assert.Error(t, err)

	_, err = NewRegistry(writeClients(t, "clients:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = NewRegistry(writeClients(t, "clients:\n  - id: a\n    timezone: Mars/Olympus\n"))
	assert.Error(t, err)
}

func TestRegistryReloadKeepsLastGoodSet(t *testing.T) {
	path := writeClients(t, clientsYAML)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("clients: ["), 0o644))
	assert.Error(t, reg.reload())
	assert.Len(t, reg.Active(), 2)

	require.NoError(t, os.WriteFile(path, []byte("clients:\n  - id: solo\n    active: true\n"), 0o644))
	require.NoError(t, reg.reload())
	active := reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "solo", active[0].ID)
}

func TestScheduleNextAfter(t *testing.T) {
	daily := ScheduleConfig{Frequency: "daily", At: "03:00"}
	loc := time.UTC

	before := time.Date(2026, 3, 14, 1, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 14, 3, 0, 0, 0, loc), daily.NextAfter(before, loc))

	after := time.Date(2026, 3, 14, 9, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 15, 3, 0, 0, 0, loc), daily.NextAfter(after, loc))

	exactly := time.Date(2026, 3, 14, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 15, 3, 0, 0, 0, loc), daily.NextAfter(exactly, loc))

	hourly := ScheduleConfig{Frequency: "hourly"}
	at := time.Date(2026, 3, 14, 9, 20, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, loc), hourly.NextAfter(at, loc))
}
