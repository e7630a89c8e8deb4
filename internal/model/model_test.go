package model

import (
	"testing"
	"time"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestSortMessagesByTimestampThenID(t *testing.T) {
	msgs := []Message{
		{ID: "b", Timestamp: ts(10)},
		{ID: "a", Timestamp: ts(10)},
		{ID: "z", Timestamp: ts(5)},
	}
	SortMessages(msgs)

	wantIDs := []string{"z", "a", "b"}
	for i, want := range wantIDs {
		if msgs[i].ID != want {
			t.Errorf("position %d: got %q, want %q", i, msgs[i].ID, want)
		}
	}
}

func TestSortChatsPresentationOrder(t *testing.T) {
	// A has a last message at T=10, B has none but 5 unread,
	// C has none, no unread, chat timestamp T=3.
	chats := []Chat{
		{ID: "C", Source: SourceTelegram, Timestamp: ts(3)},
		{ID: "B", Source: SourceTelegram, UnreadCount: 5},
		{ID: "A", Source: SourceTelegram, LastMessage: &LastMessage{Text: "hi", Date: ts(10)}},
	}
	SortChats(chats)

	wantIDs := []string{"A", "B", "C"}
	for i, want := range wantIDs {
		if chats[i].ID != want {
			t.Errorf("position %d: got %q, want %q", i, chats[i].ID, want)
		}
	}
}

func TestSortChatsLastMessageDateDescending(t *testing.T) {
	chats := []Chat{
		{ID: "old", Source: SourceTelegram, LastMessage: &LastMessage{Date: ts(1)}},
		{ID: "new", Source: SourceWhatsApp, LastMessage: &LastMessage{Date: ts(100)}},
	}
	SortChats(chats)
	if chats[0].ID != "new" {
		t.Errorf("got %q first, want new", chats[0].ID)
	}
}

func TestSortChatsDeterministicTiebreak(t *testing.T) {
	date := ts(50)
	chats := []Chat{
		{ID: "1", Source: SourceWhatsApp, LastMessage: &LastMessage{Date: date}},
		{ID: "1", Source: SourceTelegram, LastMessage: &LastMessage{Date: date}},
	}
	SortChats(chats)
	if chats[0].Source != SourceTelegram {
		t.Errorf("got source %q first, want telegram", chats[0].Source)
	}
}

func TestChatKeyDistinguishesSources(t *testing.T) {
	a := Chat{ID: "42", Source: SourceTelegram}
	b := Chat{ID: "42", Source: SourceWhatsApp}
	if a.Key() == b.Key() {
		t.Error("chats from different sources with the same raw id must not collide")
	}
}
