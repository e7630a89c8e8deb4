package bus

import "time"

// Event kinds published on the daemon bus. Subscribers filter by namespace
// prefix, e.g. "hub." receives every store-level event.
const (
	KindHubMessage     = "hub.message"        // a message was ingested or sent
	KindHubChats       = "hub.chats"          // the merged chat list changed
	KindHubError       = "hub.error"          // a store-level error was recorded
	KindProviderStatus = "provider.status"    // a provider's connection flag changed
	KindProviderQR     = "provider.qr"        // a pending pairing code was issued
	KindSessionPurged  = "session.cred_purge" // a stored credential was invalidated
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
