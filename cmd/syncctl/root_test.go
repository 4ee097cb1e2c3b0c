package main

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync-scheduler/internal/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPairArgs(t *testing.T) {
	tenant, p, err := pairArgs([]string{"T", "google"})
	require.NoError(t, err)
	assert.Equal(t, "T", tenant)
	assert.Equal(t, models.ProviderGoogle, p)

	_, _, err = pairArgs([]string{"T", "tiktok"})
	assert.Error(t, err)
	_, _, err = pairArgs([]string{"", "META"})
	assert.Error(t, err)
}

func TestSyncLifecycleAgainstSQLite(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "adsync.db"))
	t.Setenv("QUEUE_DRIVER", "null")
	t.Setenv("QUEUE_NAME", "cli-test")

	_, err := runCLI(t, "sync", "T", "meta")
	require.ErrorIs(t, err, models.ErrProviderNotConnected)

	out, err := runCLI(t, "connect", "T", "meta", "--connection-id", "c-1", "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, `"connection_id": "c-1"`)

	out, err = runCLI(t, "sync", "T", "META")
	require.NoError(t, err)
	assert.Contains(t, out, `"record_id"`)

	out, err = runCLI(t, "sync", "T", "META", "--type", "full")
	require.NoError(t, err)
	assert.Contains(t, out, "already syncing")

	out, err = runCLI(t, "cancel", "T", "META")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cancelled_count":1}`, out)

	out, err = runCLI(t, "status", "T", "meta")
	require.NoError(t, err)
	assert.Contains(t, out, `"is_active": false`)

	out, err = runCLI(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"queue": "cli-test"`)

	_, err = runCLI(t, "migrate", "up")
	assert.Error(t, err)
}
