package restore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chathub/internal/bus"
	"github.com/matheus3301/chathub/internal/cache"
	"github.com/matheus3301/chathub/internal/config"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/hub"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	source   model.Source
	emitter  provider.Emitter
	creds    *credstore.Store
	accept   bool
	connErr  error
	state    provider.ConnState
	attempts int
}

func (p *stubProvider) Source() model.Source { return p.source }

func (p *stubProvider) Connect(context.Context) (bool, error) {
	p.attempts++
	if p.connErr != nil {
		return false, p.connErr
	}
	if !p.accept {
		_ = p.creds.Delete(p.source)
		p.state = provider.StateDisconnected
		return false, nil
	}
	p.state = provider.StateConnected
	return true, nil
}

func (p *stubProvider) Disconnect(context.Context) error { return nil }
func (p *stubProvider) SendMessage(context.Context, string, string) (*model.Message, error) {
	return nil, fmt.Errorf("not implemented")
}
func (p *stubProvider) LoadHistory(context.Context, string, string) ([]model.Message, error) {
	return nil, nil
}
func (p *stubProvider) GetChats(context.Context) ([]model.Chat, error) { return nil, nil }
func (p *stubProvider) Subscribe(fn provider.Listener) int             { return p.emitter.Subscribe(fn) }
func (p *stubProvider) Unsubscribe(id int)                             { p.emitter.Unsubscribe(id) }
func (p *stubProvider) State() provider.ConnState                      { return p.state }
func (p *stubProvider) PendingCode() string                            { return "" }

func setup(t *testing.T) (*hub.Store, *credstore.Store, *bus.Bus) {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	creds := credstore.New(t.TempDir(), "u1", "k", zap.NewNop())
	b := bus.New()
	store := hub.NewStore(cache.NewCache(db, "u1"), b, nil, config.Filters{}, zap.NewNop())
	return store, creds, b
}

func TestRestoreSkipsWithoutCredential(t *testing.T) {
	store, creds, b := setup(t)
	tg := &stubProvider{source: model.SourceTelegram, creds: creds, accept: true, state: provider.StateDisconnected}
	store.Register(tg)

	New(store, creds, b, zap.NewNop()).Run(context.Background())

	assert.Equal(t, 0, tg.attempts, "no credential means no connect attempt")
	assert.Equal(t, provider.StateDisconnected, tg.State())
}

func TestRestoreConnectsStoredSessions(t *testing.T) {
	store, creds, b := setup(t)
	tg := &stubProvider{source: model.SourceTelegram, creds: creds, accept: true, state: provider.StateDisconnected}
	wa := &stubProvider{source: model.SourceWhatsApp, creds: creds, accept: true, state: provider.StateDisconnected}
	store.Register(tg)
	store.Register(wa)
	require.NoError(t, creds.Put(model.SourceTelegram, "tg-session"))
	require.NoError(t, creds.Put(model.SourceWhatsApp, "wa-session"))

	New(store, creds, b, zap.NewNop()).Run(context.Background())

	assert.Equal(t, provider.StateConnected, tg.State())
	assert.Equal(t, provider.StateConnected, wa.State())
}

func TestRestoreFailureIsContained(t *testing.T) {
	store, creds, b := setup(t)
	tg := &stubProvider{source: model.SourceTelegram, creds: creds,
		connErr: &provider.ConnectionError{Source: model.SourceTelegram, Op: "connect", Err: fmt.Errorf("refused")},
		state:   provider.StateDisconnected}
	wa := &stubProvider{source: model.SourceWhatsApp, creds: creds, accept: true, state: provider.StateDisconnected}
	store.Register(tg)
	store.Register(wa)
	require.NoError(t, creds.Put(model.SourceTelegram, "tg-session"))
	require.NoError(t, creds.Put(model.SourceWhatsApp, "wa-session"))

	New(store, creds, b, zap.NewNop()).Run(context.Background())

	assert.Equal(t, provider.StateDisconnected, tg.State())
	assert.Equal(t, provider.StateConnected, wa.State(), "one dead bridge must not block the other source")

	_, has, err := creds.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.True(t, has, "transport failure keeps the credential for the next start")
}

func TestRestoreRejectedCredentialAnnounced(t *testing.T) {
	store, creds, b := setup(t)
	tg := &stubProvider{source: model.SourceTelegram, creds: creds, accept: false, state: provider.StateDisconnected}
	store.Register(tg)
	require.NoError(t, creds.Put(model.SourceTelegram, "stale"))

	purged, cancel := b.Subscribe(bus.KindSessionPurged, 4)
	defer cancel()

	New(store, creds, b, zap.NewNop()).Run(context.Background())

	select {
	case evt := <-purged:
		payload := evt.Payload.(map[string]any)
		assert.Equal(t, "telegram", payload["source"])
	default:
		t.Fatal("expected a credential purge event")
	}

	_, has, err := creds.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.False(t, has)
}
