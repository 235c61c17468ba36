package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/store"
)

const sampleTOML = `
[[integration]]
user_id = "user-1"
type = "webhook"
enabled = true

  [integration.config]
  url = "https://hooks.example.com/thermobridge"
  secret = "s3cr3t"
`

func TestLoadParsesIntegrationEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Integrations, 1)
	require.Equal(t, "webhook", f.Integrations[0].Type)
	require.Equal(t, "user-1", f.Integrations[0].UserID)
	require.Equal(t, "https://hooks.example.com/thermobridge", f.Integrations[0].Config["url"])
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Empty(t, f.Integrations)
}

func TestApplySkipsExistingUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	dir := t.TempDir()
	path := filepath.Join(dir, "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))
	f, err := Load(path)
	require.NoError(t, err)

	applied, err := Apply(ctx, st, f)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	configs, err := st.ListEnabledIntegrations(ctx, "webhook")
	require.NoError(t, err)
	require.Len(t, configs, 1)

	applied, err = Apply(ctx, st, f)
	require.NoError(t, err)
	require.Equal(t, 0, applied, "seeding is idempotent once the control API owns the entry")
}
