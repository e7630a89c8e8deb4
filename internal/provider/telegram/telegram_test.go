package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type bridgeStub struct {
	mux           *http.ServeMux
	restoreOK     bool
	dialogs       []map[string]any
	history       []map[string]any
	historyStatus int
	sendOK        bool
}

func newBridgeStub() *bridgeStub {
	b := &bridgeStub{mux: http.NewServeMux(), restoreOK: true, sendOK: true}
	upgrader := websocket.Upgrader{}

	b.mux.HandleFunc("POST /telegram/restore", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": b.restoreOK, "session_id": "sess-1", "error": pick(!b.restoreOK, "Сессия недействительна")})
	})
	b.mux.HandleFunc("GET /telegram/dialogs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true, "dialogs": b.dialogs})
	})
	b.mux.HandleFunc("GET /telegram/history", func(w http.ResponseWriter, r *http.Request) {
		if b.historyStatus != 0 {
			w.WriteHeader(b.historyStatus)
			writeJSON(w, map[string]any{"success": false, "error": "dialog not found"})
			return
		}
		writeJSON(w, map[string]any{"success": true, "messages": b.history})
	})
	b.mux.HandleFunc("POST /telegram/send", func(w http.ResponseWriter, r *http.Request) {
		if !b.sendOK {
			writeJSON(w, map[string]any{"success": false, "error": "flood wait"})
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{"success": true, "message": map[string]any{
			"id": 901, "text": body["text"], "date": "2024-03-01T12:00:00Z",
		}})
	})
	b.mux.HandleFunc("POST /telegram/disconnect", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	})
	b.mux.HandleFunc("/telegram/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pick(cond bool, s string) string {
	if cond {
		return s
	}
	return ""
}

func newProvider(t *testing.T, stub *bridgeStub) (*Provider, *credstore.Store) {
	t.Helper()
	srv := httptest.NewServer(stub.mux)
	t.Cleanup(srv.Close)
	creds := credstore.New(t.TempDir(), "u1", "k", zap.NewNop())
	return New(Config{BaseURL: srv.URL}, creds, zap.NewNop()), creds
}

func TestConnectWithoutCredential(t *testing.T) {
	p, _ := newProvider(t, newBridgeStub())

	ok, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, provider.StateConnecting, p.State())
}

func TestConnectRestoresSession(t *testing.T) {
	p, creds := newProvider(t, newBridgeStub())
	require.NoError(t, creds.Put(model.SourceTelegram, "session-string"))

	var statuses []bool
	p.Subscribe(func(evt provider.Event) {
		if evt.Kind == provider.EventStatusChanged {
			statuses = append(statuses, evt.Connected)
		}
	})

	ok, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, provider.StateConnected, p.State())
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0])

	require.NoError(t, p.Disconnect(context.Background()))
	assert.Equal(t, provider.StateDisconnected, p.State())
}

func TestConnectRejectedCredentialPurged(t *testing.T) {
	stub := newBridgeStub()
	stub.restoreOK = false
	p, creds := newProvider(t, stub)
	require.NoError(t, creds.Put(model.SourceTelegram, "stale-session"))

	ok, err := p.Connect(context.Background())
	require.NoError(t, err, "rejected credential is an expected failure, not an error")
	assert.False(t, ok)
	assert.Equal(t, provider.StateDisconnected, p.State())

	_, has, err := creds.Get(model.SourceTelegram)
	require.NoError(t, err)
	assert.False(t, has, "rejected credential must be purged")
}

func TestConnectTransportError(t *testing.T) {
	creds := credstore.New(t.TempDir(), "u1", "k", zap.NewNop())
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	p := New(Config{BaseURL: "http://127.0.0.1:1"}, creds, zap.NewNop())

	_, err := p.Connect(context.Background())
	var connErr *provider.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, model.SourceTelegram, connErr.Source)
}

func TestGetChatsMapping(t *testing.T) {
	stub := newBridgeStub()
	stub.dialogs = []map[string]any{
		{
			"id": 101, "name": "Alice", "is_user": true, "can_send_messages": true,
			"unread_count": 2,
			"last_message": map[string]any{"text": "see you", "date": "2024-03-01T10:00:00Z"},
		},
		{
			"id": -202, "name": "News", "is_channel": true, "can_send_messages": false,
			"is_archived": true,
			"last_message": map[string]any{"text": "", "date": ""},
		},
	}
	p, creds := newProvider(t, stub)
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Disconnect(context.Background()) }()

	chats, err := p.GetChats(context.Background())
	require.NoError(t, err)
	require.Len(t, chats, 2)

	alice := chats[0]
	assert.Equal(t, "101", alice.ID)
	assert.Equal(t, model.SourceTelegram, alice.Source)
	assert.True(t, alice.IsUser)
	assert.Equal(t, 2, alice.UnreadCount)
	require.NotNil(t, alice.LastMessage)
	assert.Equal(t, "see you", alice.LastMessage.Text)

	news := chats[1]
	assert.Equal(t, "-202", news.ID)
	assert.True(t, news.IsChannel)
	assert.True(t, news.Archived)
	assert.False(t, news.CanSendMessages)
	assert.Nil(t, news.LastMessage, "empty summary must map to no last message")
}

func TestLoadHistoryOldestToNewest(t *testing.T) {
	stub := newBridgeStub()
	// Bridge answers newest-first, like the MTProto service does.
	stub.history = []map[string]any{
		{"id": 3, "text": "third", "date": "2024-03-01T10:02:00Z", "sender_id": 7},
		{"id": 2, "text": "second", "date": "2024-03-01T10:01:00Z", "sender_id": 7},
		{"id": 1, "text": "first", "date": "2024-03-01T10:00:00Z", "sender_id": 7, "is_outgoing": true},
	}
	p, creds := newProvider(t, stub)
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Disconnect(context.Background()) }()

	msgs, err := p.LoadHistory(context.Background(), "101", "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.True(t, msgs[0].Outgoing)
	assert.Equal(t, "101", msgs[0].ChatID)
}

func TestLoadHistoryNotFound(t *testing.T) {
	stub := newBridgeStub()
	stub.historyStatus = http.StatusNotFound
	p, creds := newProvider(t, stub)
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Disconnect(context.Background()) }()

	_, err = p.LoadHistory(context.Background(), "gone", "")
	var fetchErr *provider.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.NotFound)
	assert.True(t, provider.IsStale(err))
}

func TestSendMessage(t *testing.T) {
	p, creds := newProvider(t, newBridgeStub())
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Disconnect(context.Background()) }()

	msg, err := p.SendMessage(context.Background(), "101", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "901", msg.ID, "server-assigned id expected")
	assert.Equal(t, "hello there", msg.Text)
	assert.True(t, msg.Outgoing)
}

func TestSendMessageRejected(t *testing.T) {
	stub := newBridgeStub()
	stub.sendOK = false
	p, creds := newProvider(t, stub)
	require.NoError(t, creds.Put(model.SourceTelegram, "tok"))
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = p.Disconnect(context.Background()) }()

	_, err = p.SendMessage(context.Background(), "101", "hi")
	var sendErr *provider.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "101", sendErr.ChatID)
}

func TestDisconnectIdempotent(t *testing.T) {
	p, _ := newProvider(t, newBridgeStub())
	require.NoError(t, p.Disconnect(context.Background()))
	require.NoError(t, p.Disconnect(context.Background()))
}
