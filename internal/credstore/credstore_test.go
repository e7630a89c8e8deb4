package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chathub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T, user string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, user, "test-pass", zap.NewNop()), dir
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newStore(t, "u1")

	require.NoError(t, s.Put(model.SourceTelegram, "session-string-abc"))

	token, ok, err := s.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "session-string-abc", token)
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t, "u1")

	token, ok, err := s.Get(model.SourceWhatsApp)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestForeignCredentialPurged(t *testing.T) {
	owner, dir := newStore(t, "alice")
	require.NoError(t, owner.Put(model.SourceTelegram, "alices-session"))

	// Same passphrase, different local user: must be refused and purged.
	other := New(dir, "bob", "test-pass", zap.NewNop())
	token, ok, err := other.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)

	_, statErr := os.Stat(filepath.Join(dir, "telegram.cred"))
	assert.True(t, os.IsNotExist(statErr), "foreign credential must be removed from disk")
}

func TestUnreadableCredentialPurged(t *testing.T) {
	s, dir := newStore(t, "u1")
	require.NoError(t, s.Put(model.SourceTelegram, "tok"))

	// A store with a different key cannot decrypt; the file is treated as
	// missing and removed.
	wrongKey := New(dir, "u1", "other-pass", zap.NewNop())
	_, ok, err := wrongKey.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(filepath.Join(dir, "telegram.cred"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteIdempotent(t *testing.T) {
	s, _ := newStore(t, "u1")
	require.NoError(t, s.Put(model.SourceWhatsApp, "tok"))
	require.NoError(t, s.Delete(model.SourceWhatsApp))
	require.NoError(t, s.Delete(model.SourceWhatsApp))

	_, ok, err := s.Get(model.SourceWhatsApp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListOwnedOnly(t *testing.T) {
	s, dir := newStore(t, "u1")
	require.NoError(t, s.Put(model.SourceTelegram, "a"))
	require.NoError(t, s.Put(model.SourceWhatsApp, "b"))

	// Overwrite whatsapp with a foreign credential.
	foreign := New(dir, "intruder", "test-pass", zap.NewNop())
	require.NoError(t, foreign.Put(model.SourceWhatsApp, "x"))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, model.SourceTelegram, infos[0].Source)
}
