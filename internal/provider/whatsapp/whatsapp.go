// Package whatsapp adapts the browser-automation bridge service to the
// provider contract. The bridge drives the actual WhatsApp Web session; this
// adapter speaks JSON over HTTP plus a websocket event channel and is the
// single translation point into canonical chats and messages.
//
// Unlike the MTProto side, message ids here are client-generated before the
// bridge confirms delivery, and pairing happens by scanning a QR code that
// the bridge emits while the session is connecting.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the bridge endpoint and identity configuration.
type Config struct {
	BaseURL string
	// UserID is the local account identity; the bridge session is keyed
	// by it so two local users never share a browser session.
	UserID string
}

// Provider implements provider.Provider for the WhatsApp bridge.
type Provider struct {
	cfg       Config
	sessionID string
	http      *resty.Client
	creds     *credstore.Store
	limiter   *rate.Limiter
	logger    *zap.Logger
	emitter   provider.Emitter

	mu      sync.Mutex
	state   provider.ConnState
	pending string // QR payload while connecting
	channel *provider.EventChannel
}

// New creates a whatsapp provider against the given bridge.
func New(cfg Config, creds *credstore.Store, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:       cfg,
		sessionID: "whatsapp_" + cfg.UserID,
		http:      resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(15 * time.Second),
		creds:     creds,
		limiter:   rate.NewLimiter(rate.Limit(1), 5),
		logger:    logger,
		state:     provider.StateDisconnected,
	}
}

func (p *Provider) Source() model.Source { return model.SourceWhatsApp }

func (p *Provider) State() provider.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingCode returns the current QR payload while pairing is in progress.
func (p *Provider) PendingCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *Provider) Subscribe(fn provider.Listener) int { return p.emitter.Subscribe(fn) }
func (p *Provider) Unsubscribe(id int)                 { p.emitter.Unsubscribe(id) }

type connectResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "ready" or "qr"
	QR      string `json:"qr"`
	Error   string `json:"error"`
}

// Connect asks the bridge to (re)open the browser session. When the bridge
// still holds a valid session the provider comes up connected; otherwise it
// stays in StateConnecting with a scannable QR payload until the status
// frame reports ready.
func (p *Provider) Connect(ctx context.Context) (bool, error) {
	hadCredential := false
	if _, ok, err := p.creds.Get(model.SourceWhatsApp); err == nil {
		hadCredential = ok
	}

	var out connectResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"sessionId": p.sessionID}).
		SetResult(&out).
		Post("/whatsapp/connect")
	if err != nil {
		p.setState(provider.StateDisconnected)
		return false, &provider.ConnectionError{Source: model.SourceWhatsApp, Op: "connect", Err: err}
	}
	if resp.IsError() || !out.Success {
		if hadCredential {
			// The remote session is gone; the local marker is worthless.
			p.logger.Warn("whatsapp session invalidated", zap.String("error", out.Error))
			_ = p.creds.Delete(model.SourceWhatsApp)
		}
		p.setState(provider.StateDisconnected)
		p.emitStatus(false)
		return false, nil
	}

	switch out.Status {
	case "ready":
		p.becomeConnected()
		return true, nil
	default:
		// Pairing required: keep the QR visible and listen for the
		// qr_code/status frames on the event channel.
		p.mu.Lock()
		p.state = provider.StateConnecting
		p.pending = out.QR
		p.mu.Unlock()
		p.startChannel()
		return false, nil
	}
}

// Disconnect tears down the bridge session and clears the local credential
// marker. Idempotent.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	channel := p.channel
	alreadyDown := p.state == provider.StateDisconnected && channel == nil
	p.channel = nil
	p.pending = ""
	p.state = provider.StateDisconnected
	p.mu.Unlock()

	if alreadyDown {
		return nil
	}

	if channel != nil {
		channel.Stop()
	}
	_, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"sessionId": p.sessionID}).
		Post("/whatsapp/disconnect")
	if err != nil {
		p.logger.Warn("whatsapp bridge disconnect failed", zap.Error(err))
	}
	if err := p.creds.Delete(model.SourceWhatsApp); err != nil {
		return err
	}
	p.emitStatus(false)
	return nil
}

type wireChat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	Archived    bool   `json:"archived"`
	UnreadCount int    `json:"unreadCount"`
	LastMessage struct {
		Body      string `json:"body"`
		Timestamp string `json:"timestamp"`
	} `json:"lastMessage"`
}

type chatsResult struct {
	Success bool       `json:"success"`
	Chats   []wireChat `json:"chats"`
	Error   string     `json:"error"`
}

// GetChats fetches the full chat snapshot from the bridge.
func (p *Provider) GetChats(ctx context.Context) ([]model.Chat, error) {
	if p.State() != provider.StateConnected {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "get chats", Err: fmt.Errorf("not connected")}
	}

	var out chatsResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("sessionId", p.sessionID).
		SetResult(&out).
		Get("/whatsapp/chats")
	if err != nil {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "get chats", Err: err}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "get chats", Err: bridgeErr(out.Error)}
	}

	chats := make([]model.Chat, 0, len(out.Chats))
	for _, wc := range out.Chats {
		chat := model.Chat{
			ID:              wc.ID,
			Source:          model.SourceWhatsApp,
			Title:           wc.Name,
			IsUser:          !wc.IsGroup,
			IsGroup:         wc.IsGroup,
			CanSendMessages: true,
			Archived:        wc.Archived,
			UnreadCount:     wc.UnreadCount,
		}
		if wc.LastMessage.Timestamp != "" {
			date := parseDate(wc.LastMessage.Timestamp)
			chat.LastMessage = &model.LastMessage{Text: wc.LastMessage.Body, Date: date}
			chat.Timestamp = date
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

type wireMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
}

type messagesResult struct {
	Success  bool          `json:"success"`
	Messages []wireMessage `json:"messages"`
	Error    string        `json:"error"`
}

// LoadHistory fetches one page of history older than beforeID, oldest to
// newest.
func (p *Provider) LoadHistory(ctx context.Context, chatID, beforeID string) ([]model.Message, error) {
	if p.State() != provider.StateConnected {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "load history", Err: fmt.Errorf("not connected")}
	}

	params := map[string]string{
		"sessionId": p.sessionID,
		"chatId":    chatID,
		"limit":     fmt.Sprintf("%d", provider.DefaultHistoryPage),
	}
	if beforeID != "" {
		params["beforeId"] = beforeID
	}

	var out messagesResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/whatsapp/messages")
	if err != nil {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "load history", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return nil, &provider.FetchError{
			Source:   model.SourceWhatsApp,
			Op:       "load history",
			NotFound: true,
			Err:      bridgeErr(out.Error),
		}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.FetchError{Source: model.SourceWhatsApp, Op: "load history", Err: bridgeErr(out.Error)}
	}

	msgs := make([]model.Message, 0, len(out.Messages))
	for _, wm := range out.Messages {
		msgs = append(msgs, p.toMessage(chatID, wm))
	}
	model.SortMessages(msgs)
	return msgs, nil
}

type sendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SendMessage delivers text through the bridge. The message id is generated
// locally before confirmation; the remote echo carrying the same body is
// later absorbed by the store's reconciliation.
func (p *Provider) SendMessage(ctx context.Context, chatID, text string) (*model.Message, error) {
	if p.State() != provider.StateConnected {
		return nil, &provider.SendError{Source: model.SourceWhatsApp, ChatID: chatID, Err: fmt.Errorf("not connected")}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &provider.SendError{Source: model.SourceWhatsApp, ChatID: chatID, Err: err}
	}

	clientMsgID := uuid.NewString()
	var out sendResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"sessionId":   p.sessionID,
			"chatId":      chatID,
			"text":        text,
			"clientMsgId": clientMsgID,
		}).
		SetResult(&out).
		Post("/whatsapp/send")
	if err != nil {
		return nil, &provider.SendError{Source: model.SourceWhatsApp, ChatID: chatID, Err: err}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.SendError{Source: model.SourceWhatsApp, ChatID: chatID, Err: bridgeErr(out.Error)}
	}

	return &model.Message{
		ID:        clientMsgID,
		ChatID:    chatID,
		Source:    model.SourceWhatsApp,
		Sender:    "me",
		Text:      text,
		Timestamp: time.Now().UTC(),
		Outgoing:  true,
	}, nil
}

func (p *Provider) handleFrame(frameType string, data json.RawMessage) {
	switch frameType {
	case "new_message":
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			p.logger.Warn("whatsapp frame malformed", zap.Error(err))
			return
		}
		msg := p.toMessage(wm.ChatID, wm)
		p.emitter.Emit(provider.Event{Kind: provider.EventNewMessage, Source: model.SourceWhatsApp, Message: &msg})
	case "chat_updated":
		p.emitter.Emit(provider.Event{Kind: provider.EventChatUpdated, Source: model.SourceWhatsApp})
	case "qr_code":
		var qr string
		if err := json.Unmarshal(data, &qr); err != nil {
			return
		}
		p.mu.Lock()
		p.pending = qr
		p.state = provider.StateConnecting
		p.mu.Unlock()
	case "status":
		var st struct {
			Connected bool `json:"connected"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return
		}
		if st.Connected {
			p.becomeConnected()
		} else {
			p.setState(provider.StateDisconnected)
			p.emitStatus(false)
		}
	}
}

func (p *Provider) becomeConnected() {
	p.mu.Lock()
	p.state = provider.StateConnected
	p.pending = ""
	p.mu.Unlock()

	// The marker credential lets session restoration know a silent
	// reconnect is worth attempting on the next start.
	if err := p.creds.Put(model.SourceWhatsApp, p.sessionID); err != nil {
		p.logger.Warn("failed to store whatsapp credential", zap.Error(err))
	}
	p.startChannel()
	p.emitStatus(true)
}

func (p *Provider) startChannel() {
	p.mu.Lock()
	if p.channel != nil {
		p.mu.Unlock()
		return
	}
	wsURL := httpToWS(p.cfg.BaseURL) + "/whatsapp/ws/" + p.sessionID
	channel := provider.NewEventChannel(wsURL, p.handleFrame, p.logger)
	p.channel = channel
	p.mu.Unlock()

	channel.Start(context.Background())
}

func (p *Provider) setState(s provider.ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Provider) emitStatus(connected bool) {
	p.emitter.Emit(provider.Event{
		Kind:      provider.EventStatusChanged,
		Source:    model.SourceWhatsApp,
		Connected: connected,
	})
}

func (p *Provider) toMessage(chatID string, wm wireMessage) model.Message {
	sender := wm.Sender
	if wm.FromMe {
		sender = "me"
	}
	return model.Message{
		ID:        wm.ID,
		ChatID:    chatID,
		Source:    model.SourceWhatsApp,
		Sender:    sender,
		Text:      wm.Body,
		Timestamp: parseDate(wm.Timestamp),
		Outgoing:  wm.FromMe,
	}
}

func bridgeErr(msg string) error {
	if msg == "" {
		msg = "bridge request failed"
	}
	return fmt.Errorf("%s", msg)
}

func parseDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func httpToWS(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
