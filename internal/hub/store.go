// Package hub is the synchronization store: the single aggregation point
// merging chats and messages from every registered provider into one
// canonical view. All state mutations go through one mutex, so consumers
// observe the store the way they would a single-threaded event loop, while
// network calls always happen with the lock released.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chathub/internal/bus"
	"github.com/matheus3301/chathub/internal/cache"
	"github.com/matheus3301/chathub/internal/config"
	"github.com/matheus3301/chathub/internal/metrics"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"go.uber.org/zap"
)

// echoWindow bounds how far apart an optimistic send and its remote echo may
// be timestamped and still be treated as the same message.
const echoWindow = 60 * time.Second

// Store merges per-provider state into the canonical multi-source view.
type Store struct {
	cache   *cache.Cache
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	providers  map[model.Source]provider.Provider
	order      []model.Source
	chats      []model.Chat
	messages   map[model.ChatKey][]model.Message
	selected   *model.ChatKey
	sourceErrs map[model.Source]string
	filters    config.Filters
	// gens tags in-flight history fetches per chat so a stale response
	// never overwrites a newer one.
	gens map[model.ChatKey]uint64
}

// NewStore creates an empty store.
func NewStore(c *cache.Cache, b *bus.Bus, m *metrics.Metrics, filters config.Filters, logger *zap.Logger) *Store {
	return &Store{
		cache:      c,
		bus:        b,
		metrics:    m,
		logger:     logger,
		providers:  make(map[model.Source]provider.Provider),
		messages:   make(map[model.ChatKey][]model.Message),
		sourceErrs: make(map[model.Source]string),
		filters:    filters,
		gens:       make(map[model.ChatKey]uint64),
	}
}

// Register wires a provider into the store and starts consuming its events.
// Registration order fixes the iteration order for whole-store operations.
func (s *Store) Register(p provider.Provider) {
	s.mu.Lock()
	src := p.Source()
	if _, dup := s.providers[src]; !dup {
		s.providers[src] = p
		s.order = append(s.order, src)
	}
	s.mu.Unlock()

	p.Subscribe(s.handleEvent)
}

// Provider returns the registered provider for a source.
func (s *Store) Provider(source model.Source) (provider.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[source]
	return p, ok
}

// ConnectProvider attempts a connection for one source. On success the
// source's chat list is refreshed in the background.
func (s *Store) ConnectProvider(ctx context.Context, source model.Source) (bool, error) {
	p, ok := s.Provider(source)
	if !ok {
		return false, fmt.Errorf("unknown source %q", source)
	}
	ok, err := p.Connect(ctx)
	if err != nil {
		s.recordError(source, err)
		return false, err
	}
	if ok {
		go func() { _ = s.LoadChatsSource(context.Background(), source) }()
	}
	return ok, nil
}

// DisconnectProvider tears down one source's session and drops its entries
// from the merged view. The on-disk message cache is kept; it belongs to the
// local user, not to the remote session.
func (s *Store) DisconnectProvider(ctx context.Context, source model.Source) error {
	p, ok := s.Provider(source)
	if !ok {
		return fmt.Errorf("unknown source %q", source)
	}
	if err := p.Disconnect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.chats[:0]
	for _, c := range s.chats {
		if c.Source != source {
			kept = append(kept, c)
		}
	}
	s.chats = kept
	for key := range s.messages {
		if key.Source == source {
			delete(s.messages, key)
		}
	}
	if s.selected != nil && s.selected.Source == source {
		s.selected = nil
	}
	delete(s.sourceErrs, source)
	s.mu.Unlock()

	s.publishChats()
	return nil
}

// LoadChats refreshes the chat list from every connected provider. Each
// source fails independently: a failing source records its error and keeps
// whatever entries it contributed before, while the others refresh normally.
func (s *Store) LoadChats(ctx context.Context) {
	s.mu.Lock()
	order := make([]model.Source, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for _, source := range order {
		if err := s.LoadChatsSource(ctx, source); err != nil {
			s.logger.Warn("chat list refresh failed",
				zap.String("source", string(source)), zap.Error(err))
		}
	}
}

// LoadChatsSource refreshes one source's slice of the merged chat list.
func (s *Store) LoadChatsSource(ctx context.Context, source model.Source) error {
	p, ok := s.Provider(source)
	if !ok {
		return fmt.Errorf("unknown source %q", source)
	}
	if p.State() != provider.StateConnected {
		return nil
	}

	chats, err := p.GetChats(ctx)
	if err != nil {
		s.metrics.FetchFailed(string(source))
		s.recordError(source, err)
		return err
	}

	s.mu.Lock()
	merged := make([]model.Chat, 0, len(s.chats)+len(chats))
	for _, c := range s.chats {
		if c.Source != source {
			merged = append(merged, c)
		}
	}
	merged = append(merged, chats...)
	model.SortChats(merged)
	s.chats = merged
	delete(s.sourceErrs, source)
	s.mu.Unlock()

	s.publishChats()
	return nil
}

// Chats returns the merged chat list with the current visibility filters
// applied, in presentation order.
func (s *Store) Chats() []model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		if !s.filters.ShowArchived && c.Archived {
			continue
		}
		if !s.filters.ShowGroups && c.IsGroup {
			continue
		}
		if !s.filters.ShowReadOnly && !c.CanSendMessages {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Filters returns the current visibility filters.
func (s *Store) Filters() config.Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// UpdateFilters replaces the visibility filters. Filtering is a pure view
// concern: hidden chats stay in the store and reappear when re-enabled.
func (s *Store) UpdateFilters(f config.Filters) {
	s.mu.Lock()
	s.filters = f
	s.mu.Unlock()
	s.publishChats()
}

// SelectChat marks a chat as the active one and returns its cached messages
// immediately. A fresh history fetch is kicked off in the background; the
// unread count resets on selection.
func (s *Store) SelectChat(key model.ChatKey) ([]model.Message, error) {
	s.mu.Lock()
	found := false
	for i := range s.chats {
		if s.chats[i].Key() == key {
			s.chats[i].UnreadCount = 0
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown chat %s/%s", key.Source, key.ID)
	}
	s.selected = &key

	msgs, ok := s.messages[key]
	if !ok {
		cached, err := s.cache.Get(key.Source, key.ID)
		if err != nil {
			s.logger.Warn("cache read failed", zap.Error(err))
		} else {
			s.messages[key] = cached
			msgs = cached
		}
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()

	go func() { _ = s.LoadMessages(context.Background(), key) }()
	return out, nil
}

// Selected returns the active chat key, if any.
func (s *Store) Selected() *model.ChatKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	key := *s.selected
	return &key
}

// Messages returns a copy of the in-memory message list for a chat.
func (s *Store) Messages(key model.ChatKey) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages[key]))
	copy(out, s.messages[key])
	return out
}

// LoadMessages fetches the newest history page for a chat and replaces the
// in-memory and cached list. Responses belonging to a superseded fetch are
// discarded. A stale-reference failure purges the chat entirely; any other
// failure keeps the cached view and records the error.
func (s *Store) LoadMessages(ctx context.Context, key model.ChatKey) error {
	p, ok := s.Provider(key.Source)
	if !ok {
		return fmt.Errorf("unknown source %q", key.Source)
	}

	s.mu.Lock()
	s.gens[key]++
	gen := s.gens[key]
	s.mu.Unlock()

	msgs, err := p.LoadHistory(ctx, key.ID, "")
	if err != nil {
		s.metrics.FetchFailed(string(key.Source))
		if provider.IsStale(err) {
			s.purgeChat(key)
			return nil
		}
		s.recordError(key.Source, err)
		return err
	}

	s.mu.Lock()
	if s.gens[key] != gen {
		s.mu.Unlock()
		return nil
	}
	model.SortMessages(msgs)
	s.messages[key] = msgs
	s.mu.Unlock()

	if err := s.cache.Set(key.Source, key.ID, msgs); err != nil {
		s.logger.Warn("cache write failed", zap.Error(err))
	}
	s.publishMessages(key)
	return nil
}

// LoadOlderMessages fetches the page preceding the oldest message currently
// held for the chat and merges it in front.
func (s *Store) LoadOlderMessages(ctx context.Context, key model.ChatKey) error {
	p, ok := s.Provider(key.Source)
	if !ok {
		return fmt.Errorf("unknown source %q", key.Source)
	}

	s.mu.Lock()
	current := s.messages[key]
	if len(current) == 0 {
		s.mu.Unlock()
		return s.LoadMessages(ctx, key)
	}
	beforeID := current[0].ID
	s.mu.Unlock()

	older, err := p.LoadHistory(ctx, key.ID, beforeID)
	if err != nil {
		s.metrics.FetchFailed(string(key.Source))
		if provider.IsStale(err) {
			s.purgeChat(key)
			return nil
		}
		s.recordError(key.Source, err)
		return err
	}
	if len(older) == 0 {
		return nil
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(s.messages[key]))
	for _, m := range s.messages[key] {
		seen[m.ID] = true
	}
	merged := s.messages[key]
	for _, m := range older {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	model.SortMessages(merged)
	s.messages[key] = merged
	snapshot := make([]model.Message, len(merged))
	copy(snapshot, merged)
	s.mu.Unlock()

	if err := s.cache.Set(key.Source, key.ID, snapshot); err != nil {
		s.logger.Warn("cache write failed", zap.Error(err))
	}
	s.publishMessages(key)
	return nil
}

// SendMessage delivers text through the chat's provider and appends the
// result optimistically. On rejection nothing is appended and the error is
// surfaced to the caller.
func (s *Store) SendMessage(ctx context.Context, key model.ChatKey, text string) (*model.Message, error) {
	p, ok := s.Provider(key.Source)
	if !ok {
		return nil, fmt.Errorf("unknown source %q", key.Source)
	}

	msg, err := p.SendMessage(ctx, key.ID, text)
	if err != nil {
		s.recordError(key.Source, err)
		return nil, err
	}
	s.metrics.MessageSent(string(key.Source))
	s.ingest(*msg)
	return msg, nil
}

// handleEvent consumes provider events. It runs on provider goroutines, so
// anything that needs the network is pushed to a fresh goroutine.
func (s *Store) handleEvent(evt provider.Event) {
	switch evt.Kind {
	case provider.EventNewMessage:
		if evt.Message != nil {
			s.metrics.MessageIngested(string(evt.Source))
			s.ingest(*evt.Message)
		}
	case provider.EventChatUpdated:
		go func() { _ = s.LoadChatsSource(context.Background(), evt.Source) }()
	case provider.EventStatusChanged:
		s.metrics.SetConnected(string(evt.Source), evt.Connected)
		if !evt.Connected {
			s.mu.Lock()
			delete(s.sourceErrs, evt.Source)
			s.mu.Unlock()
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindProviderStatus,
			Timestamp: time.Now(),
			Payload:   map[string]any{"source": string(evt.Source), "connected": evt.Connected},
		})
	}
}

// ingest folds one message into the store. Delivery from the event channels
// is at-least-once, so a message id already present is an update, not a
// duplicate append. An outgoing message matching a recent optimistic entry
// with the same body absorbs it instead of appearing twice.
func (s *Store) ingest(msg model.Message) {
	key := msg.Key()

	s.mu.Lock()
	list := s.messages[key]

	// replaced covers both redelivery of a known id and echo absorption;
	// neither counts as new activity for the unread counter.
	replaced := false
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			replaced = true
			break
		}
	}

	absorbedID := ""
	if !replaced && msg.Outgoing {
		for i := range list {
			m := &list[i]
			if m.Outgoing && m.ID != msg.ID && m.Text == msg.Text && absDuration(m.Timestamp.Sub(msg.Timestamp)) <= echoWindow {
				absorbedID = m.ID
				list[i] = msg
				replaced = true
				break
			}
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	model.SortMessages(list)
	s.messages[key] = list

	for i := range s.chats {
		if s.chats[i].Key() != key {
			continue
		}
		// An out-of-order arrival must not regress the chat summary.
		if s.chats[i].LastMessage == nil || !msg.Timestamp.Before(s.chats[i].LastMessage.Date) {
			s.chats[i].LastMessage = &model.LastMessage{Text: msg.Text, Date: msg.Timestamp}
			s.chats[i].Timestamp = msg.Timestamp
		}
		if !replaced && !msg.Outgoing && (s.selected == nil || *s.selected != key) {
			s.chats[i].UnreadCount++
		}
		break
	}
	model.SortChats(s.chats)

	var snapshot []model.Message
	if absorbedID != "" {
		snapshot = make([]model.Message, len(list))
		copy(snapshot, list)
	}
	s.mu.Unlock()

	if absorbedID != "" {
		// The optimistic row must not survive next to the echo; rewrite
		// the chat's cache entry wholesale.
		if err := s.cache.Set(key.Source, key.ID, snapshot); err != nil {
			s.logger.Warn("cache write failed", zap.Error(err))
		}
	} else if err := s.cache.Append(key.Source, key.ID, msg); err != nil {
		s.logger.Warn("cache write failed", zap.Error(err))
	}

	s.publishMessages(key)
	s.publishChats()
}

// purgeChat removes every trace of a chat the remote says no longer exists.
func (s *Store) purgeChat(key model.ChatKey) {
	s.mu.Lock()
	kept := s.chats[:0]
	for _, c := range s.chats {
		if c.Key() != key {
			kept = append(kept, c)
		}
	}
	s.chats = kept
	delete(s.messages, key)
	delete(s.gens, key)
	if s.selected != nil && *s.selected == key {
		s.selected = nil
	}
	s.mu.Unlock()

	if err := s.cache.Clear(key.Source, key.ID); err != nil {
		s.logger.Warn("cache clear failed", zap.Error(err))
	}
	s.logger.Info("purged stale chat",
		zap.String("source", string(key.Source)), zap.String("chat", key.ID))
	s.publishChats()
}

// SourceErrors returns the last recorded error per source, cleared whenever
// the source recovers.
func (s *Store) SourceErrors() map[model.Source]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Source]string, len(s.sourceErrs))
	for k, v := range s.sourceErrs {
		out[k] = v
	}
	return out
}

// Status reports the connection state of every registered provider in
// registration order.
func (s *Store) Status() map[model.Source]provider.ConnState {
	s.mu.Lock()
	order := make([]model.Source, len(s.order))
	copy(order, s.order)
	providers := make(map[model.Source]provider.Provider, len(s.providers))
	for k, v := range s.providers {
		providers[k] = v
	}
	s.mu.Unlock()

	out := make(map[model.Source]provider.ConnState, len(order))
	for _, src := range order {
		out[src] = providers[src].State()
	}
	return out
}

func (s *Store) recordError(source model.Source, err error) {
	s.mu.Lock()
	s.sourceErrs[source] = err.Error()
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindHubError,
		Timestamp: time.Now(),
		Payload:   map[string]any{"source": string(source), "error": err.Error()},
	})
}

func (s *Store) publishChats() {
	s.bus.Publish(bus.Event{Kind: bus.KindHubChats, Timestamp: time.Now()})
}

func (s *Store) publishMessages(key model.ChatKey) {
	s.bus.Publish(bus.Event{
		Kind:      bus.KindHubMessage,
		Timestamp: time.Now(),
		Payload:   map[string]any{"source": string(key.Source), "chat_id": key.ID},
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
