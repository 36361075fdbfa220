package splittunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

func storeCases(t *testing.T) map[string]RuleStore {
	dir := t.TempDir()
	sqlite, err := OpenSQLiteStore(filepath.Join(dir, "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]RuleStore{
		"file":   NewFileStore(filepath.Join(dir, "rules.yaml")),
		"sqlite": sqlite,
	}
}

func TestRuleStores(t *testing.T) {
	for name, store := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := store.LoadRules()
			require.NoError(t, err)
			assert.Empty(t, empty)

			rules := map[string]common.SplitMode{
				"/usr/bin/firefox":      common.SplitBypass,
				"/usr/bin/transmission": common.SplitOnlyVPN,
				"org.example.Chat":      common.SplitDefault,
			}
			require.NoError(t, store.SaveRules(rules))

			loaded, err := store.LoadRules()
			require.NoError(t, err)
			assert.Equal(t, rules, loaded)

			delete(rules, "org.example.Chat")
			require.NoError(t, store.SaveRules(rules))
			loaded, err = store.LoadRules()
			require.NoError(t, err)
			assert.Equal(t, rules, loaded)
		})
	}
}

func TestFileStore_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	store := NewFileStore(path)
	require.NoError(t, store.SaveRules(map[string]common.SplitMode{"/usr/bin/firefox": common.SplitBypass}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mode: bypass")
	assert.NoFileExists(t, path+".tmp")
}

func TestFileStore_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - app: x\n    mode: sideways\n"), 0600))

	_, err := NewFileStore(path).LoadRules()
	assert.Error(t, err)
}
