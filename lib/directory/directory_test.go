package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePasswordFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("secret\n"), 0o600))
	return path
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{
		Address:      "ldap://localhost:389",
		Base:         "dc=example,dc=com",
		SearchFilter: "(uid={username})",
		BindDN:       "cn=svc,dc=example,dc=com",
		PasswordFile: writePasswordFile(t),
	}
	require.NoError(t, cfg.CheckAndSetDefaults())

	bad := cfg
	bad.SearchFilter = "(uid=static)"
	assert.Error(t, bad.CheckAndSetDefaults())

	bad = cfg
	bad.Address = ""
	assert.Error(t, bad.CheckAndSetDefaults())
}

func TestLookupKeysRejectsUnsafeUsername(t *testing.T) {
	c, err := NewClient(Config{
		Address:      "ldap://localhost:389",
		Base:         "dc=example,dc=com",
		SearchFilter: "(uid={username})",
		BindDN:       "cn=svc,dc=example,dc=com",
		PasswordFile: writePasswordFile(t),
	})
	require.NoError(t, err)

	keys, err := c.LookupKeys("not a valid uid (*)")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
