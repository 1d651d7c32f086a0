package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringFromFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "server_key")
	require.NoError(t, os.WriteFile(secret, []byte("  AAAA-key\n"), 0o600))

	t.Setenv("RELAY_TEST_KEY", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("RELAY_TEST_KEY", "def"))

	t.Setenv("RELAY_TEST_KEY_FILE", secret)
	assert.Equal(t, "AAAA-key", GetStringFromFile("RELAY_TEST_KEY", "def"))

	t.Setenv("RELAY_TEST_KEY_FILE", filepath.Join(dir, "missing"))
	assert.Equal(t, "from-env", GetStringFromFile("RELAY_TEST_KEY", "def"))
}

func TestGetStringDefault(t *testing.T) {
	assert.Equal(t, "def", GetString("RELAY_TEST_UNSET_VARIABLE", "def"))
}
