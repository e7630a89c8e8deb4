// Package restore brings provider sessions back up at daemon start from
// persisted credentials. Each source restores independently: a dead or
// rejected credential on one never blocks the other.
package restore

import (
	"context"
	"time"

	"github.com/matheus3301/chathub/internal/bus"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/hub"
	"github.com/matheus3301/chathub/internal/model"
	"go.uber.org/zap"
)

// Restorer attempts silent reconnection for every source with a stored
// credential.
type Restorer struct {
	store  *hub.Store
	creds  *credstore.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a restorer over the given store and credential store.
func New(store *hub.Store, creds *credstore.Store, b *bus.Bus, logger *zap.Logger) *Restorer {
	return &Restorer{store: store, creds: creds, bus: b, logger: logger}
}

// Run walks all sources and restores the ones holding a credential. Sources
// without one are left disconnected for the user to pair interactively.
func (r *Restorer) Run(ctx context.Context) {
	for _, source := range model.Sources() {
		r.restoreSource(ctx, source)
	}
}

func (r *Restorer) restoreSource(ctx context.Context, source model.Source) {
	if _, ok := r.store.Provider(source); !ok {
		return
	}
	_, has, err := r.creds.Get(source)
	if err != nil {
		r.logger.Warn("credential read failed",
			zap.String("source", string(source)), zap.Error(err))
		return
	}
	if !has {
		r.logger.Debug("no stored credential", zap.String("source", string(source)))
		return
	}

	connected, err := r.store.ConnectProvider(ctx, source)
	if err != nil {
		// Transport-level failure; the credential survives for the next
		// attempt.
		r.logger.Warn("session restore failed",
			zap.String("source", string(source)), zap.Error(err))
		return
	}
	if !connected {
		// The provider purged the credential after the remote rejected
		// it; the user has to authenticate again.
		r.logger.Info("stored session no longer valid",
			zap.String("source", string(source)))
		r.bus.Publish(bus.Event{
			Kind:      bus.KindSessionPurged,
			Timestamp: time.Now(),
			Payload:   map[string]any{"source": string(source)},
		})
		return
	}
	r.logger.Info("session restored", zap.String("source", string(source)))
}
