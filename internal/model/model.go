package model

import (
	"sort"
	"time"
)

// Source identifies the back-end a chat or message originated from.
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceWhatsApp Source = "whatsapp"
)

// Sources lists all supported sources in deterministic order.
func Sources() []Source {
	return []Source{SourceTelegram, SourceWhatsApp}
}

// LastMessage is the short summary attached to a chat.
type LastMessage struct {
	Text string
	Date time.Time
}

// Chat is the canonical, source-agnostic chat shape. IDs are unique within a
// source only; the composite (Source, ID) key is what identifies a chat.
type Chat struct {
	ID              string
	Source          Source
	Title           string
	IsUser          bool
	IsGroup         bool
	IsChannel       bool
	CanSendMessages bool
	Archived        bool
	UnreadCount     int
	Timestamp       time.Time
	LastMessage     *LastMessage
}

// ChatKey is the composite deduplication key for chats.
type ChatKey struct {
	Source Source
	ID     string
}

// Key returns the composite key for the chat.
func (c *Chat) Key() ChatKey {
	return ChatKey{Source: c.Source, ID: c.ID}
}

// Message is the canonical, source-agnostic message shape.
type Message struct {
	ID        string
	ChatID    string
	Source    Source
	Sender    string
	Text      string
	Timestamp time.Time
	Outgoing  bool
}

// Key returns the key of the chat this message belongs to.
func (m *Message) Key() ChatKey {
	return ChatKey{Source: m.Source, ID: m.ChatID}
}

// MessageLess reports whether a sorts before b within a chat's message list:
// timestamp ascending, ties broken by ID ascending.
func MessageLess(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs in place into canonical chat order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return MessageLess(&msgs[i], &msgs[j])
	})
}

// ChatLess reports whether a sorts before b in the merged chat list:
//  1. chats with a last message come before chats without one;
//  2. among chats with one, descending by last message date;
//  3. among chats without one, descending unread count, then descending
//     chat timestamp.
//
// Ties fall back to (source, id) so the order is fully deterministic.
func ChatLess(a, b *Chat) bool {
	switch {
	case a.LastMessage != nil && b.LastMessage == nil:
		return true
	case a.LastMessage == nil && b.LastMessage != nil:
		return false
	case a.LastMessage != nil && b.LastMessage != nil:
		if !a.LastMessage.Date.Equal(b.LastMessage.Date) {
			return a.LastMessage.Date.After(b.LastMessage.Date)
		}
	default:
		if a.UnreadCount != b.UnreadCount {
			return a.UnreadCount > b.UnreadCount
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.ID < b.ID
}

// SortChats sorts chats in place into presentation order.
func SortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		return ChatLess(&chats[i], &chats[j])
	})
}
