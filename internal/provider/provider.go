// Package provider defines the capability contract every messaging back-end
// adapter implements, plus the event and error types flowing from providers
// into the synchronization store. The store never distinguishes concrete
// providers beyond their source tag.
package provider

import (
	"context"

	"github.com/matheus3301/chathub/internal/model"
)

// ConnState is a provider's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Provider is the fixed capability set implemented by every source adapter.
//
// Expected failure paths (missing or rejected credential) are reported as
// (false, nil) from Connect, never as errors. Transport failures surface as
// *ConnectionError. A Connect that discovers the remote session has been
// invalidated transitions to StateDisconnected, purges the stored credential
// and emits a status event before returning.
type Provider interface {
	// Source returns the immutable source tag of this provider.
	Source() model.Source

	// Connect attempts a silent reconnection from a persisted credential.
	// Without one it transitions to StateConnecting and leaves the rest of
	// the auth exchange to the caller (interactive code entry or scanning
	// the pending pairing code).
	Connect(ctx context.Context) (bool, error)

	// Disconnect closes the event channel, clears the persisted credential
	// for this source and sets the state to StateDisconnected. Idempotent.
	Disconnect(ctx context.Context) error

	// SendMessage delivers text to the remote service and returns enough of
	// a Message for an optimistic append. Fails with *SendError on remote
	// rejection; never silently drops.
	SendMessage(ctx context.Context, chatID, text string) (*model.Message, error)

	// LoadHistory fetches one bounded page of history, optionally older
	// than beforeID, ordered oldest-to-newest. An empty page means no
	// further history exists and is not an error.
	LoadHistory(ctx context.Context, chatID, beforeID string) ([]model.Message, error)

	// GetChats fetches the full current chat list snapshot.
	GetChats(ctx context.Context) ([]model.Chat, error)

	// Subscribe registers a listener for provider events and returns a
	// handle for Unsubscribe. Listeners are invoked in registration order;
	// events from one provider are delivered in the order the event channel
	// received them.
	Subscribe(fn Listener) int
	Unsubscribe(id int)

	// State is a synchronous connection state query.
	State() ConnState

	// PendingCode returns the scannable pending-credential artifact while
	// the provider is StateConnecting, or "" when none is outstanding.
	PendingCode() string
}

// DefaultHistoryPage is the page size used by both providers' history fetches.
const DefaultHistoryPage = 50
