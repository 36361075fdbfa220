package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/yllada/vpn-orchestrator/common"
)

func TestSystemKeyring(t *testing.T) {
	keyring.MockInit()

	s, err := New(WithDir(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, s.Local())

	require.NoError(t, s.Store("default", "hunter2"))
	got, err := s.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
	assert.True(t, s.Exists("default"))

	require.NoError(t, s.Delete("default"))
	require.NoError(t, s.Delete("default"))
	_, err = s.Get("default")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)
}

func TestFallbackToEncryptedFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	defer keyring.MockInit()

	dir := t.TempDir()
	s, err := New(WithDir(dir))
	require.NoError(t, err)
	assert.True(t, s.Local())

	require.NoError(t, s.Store("default", "s3cret-password"))

	raw, err := os.ReadFile(filepath.Join(dir, common.CredentialsFileName))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "s3cret-password"), "file must be encrypted")

	reopened, err := New(WithDir(dir), WithLocalOnly())
	require.NoError(t, err)
	got, err := reopened.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-password", got)

	require.NoError(t, reopened.Delete("default"))
	assert.False(t, reopened.Exists("default"))
}

func TestCorruptFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, common.CredentialsFileName), []byte("garbage"), 0600))

	s, err := New(WithDir(dir), WithLocalOnly())
	require.NoError(t, err)
	assert.False(t, s.Exists("default"))

	require.NoError(t, s.Store("default", "pw"))
	assert.True(t, s.Exists("default"))
}

func TestValidation(t *testing.T) {
	s, err := New(WithDir(t.TempDir()), WithLocalOnly())
	require.NoError(t, err)

	assert.Error(t, s.Store("", "pw"))
	assert.Error(t, s.Store("acct", ""))
	_, err = s.Get("")
	assert.Error(t, err)
	assert.Error(t, s.Delete(""))
}

func TestCredentialsRoundTrip(t *testing.T) {
	s, err := New(WithDir(t.TempDir()), WithLocalOnly())
	require.NoError(t, err)

	want := Credentials{Username: "p1234567", Password: "pw with spaces"}
	require.NoError(t, s.SaveCredentials(common.Account, want))

	got, err := s.LoadCredentials(common.Account)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.LoadCredentials("missing")
	assert.ErrorIs(t, err, common.ErrCredentialsNotFound)
}

func TestDeriveKeyIsStable(t *testing.T) {
	a, err := deriveKey("svc")
	require.NoError(t, err)
	b, err := deriveKey("svc")
	require.NoError(t, err)
	c, err := deriveKey("other")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
