// Package telegram adapts the MTProto bridge service to the provider
// contract. The bridge owns the actual MTProto session; this adapter only
// speaks JSON over HTTP and a websocket event channel, and is the single
// place where bridge payloads are translated into canonical chats and
// messages.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the bridge endpoint configuration.
type Config struct {
	BaseURL string
}

// Provider implements provider.Provider for the MTProto bridge. Message ids
// are server-assigned; the multi-step login (phone, code, optional second
// factor) is driven by the caller through StartLogin/VerifyCode/
// VerifyPassword.
type Provider struct {
	cfg     Config
	http    *resty.Client
	creds   *credstore.Store
	limiter *rate.Limiter
	logger  *zap.Logger
	emitter provider.Emitter

	mu        sync.Mutex
	state     provider.ConnState
	sessionID string
	channel   *provider.EventChannel

	// in-flight interactive login
	authSessionID string
	authPhone     string
	phoneCodeHash string
}

// New creates a telegram provider against the given bridge.
func New(cfg Config, creds *credstore.Store, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:   cfg,
		http:  resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(15 * time.Second),
		creds: creds,
		// One outbound send at a time, bursts of five; the bridge applies
		// its own flood limits on top.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  logger,
		state:   provider.StateDisconnected,
	}
}

func (p *Provider) Source() model.Source { return model.SourceTelegram }

// State returns the current connection state.
func (p *Provider) State() provider.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingCode always returns "": telegram auth is code entry, not scanning.
func (p *Provider) PendingCode() string { return "" }

func (p *Provider) Subscribe(fn provider.Listener) int { return p.emitter.Subscribe(fn) }
func (p *Provider) Unsubscribe(id int)                 { p.emitter.Unsubscribe(id) }

type statusResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type restoreResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// Connect attempts a silent restore from the persisted session string.
// A missing credential leaves the provider in StateConnecting for the
// interactive flow; a rejected one is purged.
func (p *Provider) Connect(ctx context.Context) (bool, error) {
	token, ok, err := p.creds.Get(model.SourceTelegram)
	if err != nil {
		return false, &provider.ConnectionError{Source: model.SourceTelegram, Op: "read credential", Err: err}
	}
	if !ok {
		p.setState(provider.StateConnecting)
		return false, nil
	}

	var out restoreResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"session_string": token}).
		SetResult(&out).
		Post("/telegram/restore")
	if err != nil {
		p.setState(provider.StateDisconnected)
		return false, &provider.ConnectionError{Source: model.SourceTelegram, Op: "restore", Err: err}
	}
	if resp.IsError() || !out.Success {
		// The remote session was invalidated: purge and require re-auth.
		p.logger.Warn("telegram session restore rejected", zap.String("error", out.Error))
		_ = p.creds.Delete(model.SourceTelegram)
		p.setState(provider.StateDisconnected)
		p.emitStatus(false)
		return false, nil
	}

	p.becomeConnected(out.SessionID)
	return true, nil
}

// Disconnect closes the event channel, clears the persisted credential and
// notifies the bridge. Idempotent.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	channel := p.channel
	sessionID := p.sessionID
	alreadyDown := p.state == provider.StateDisconnected && channel == nil
	p.channel = nil
	p.sessionID = ""
	p.state = provider.StateDisconnected
	p.mu.Unlock()

	if alreadyDown {
		return nil
	}

	if channel != nil {
		channel.Stop()
	}
	if sessionID != "" {
		_, err := p.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"session_id": sessionID}).
			Post("/telegram/disconnect")
		if err != nil {
			p.logger.Warn("telegram bridge disconnect failed", zap.Error(err))
		}
	}
	if err := p.creds.Delete(model.SourceTelegram); err != nil {
		return err
	}
	p.emitStatus(false)
	return nil
}

type sendCodeResult struct {
	Success       bool   `json:"success"`
	SessionID     string `json:"session_id"`
	PhoneCodeHash string `json:"phone_code_hash"`
	Error         string `json:"error"`
}

// StartLogin begins the interactive login by requesting a code for phone.
func (p *Provider) StartLogin(ctx context.Context, phone string) error {
	var out sendCodeResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"phone": phone}).
		SetResult(&out).
		Post("/telegram/send-code")
	if err != nil {
		return &provider.ConnectionError{Source: model.SourceTelegram, Op: "send code", Err: err}
	}
	if resp.IsError() || !out.Success {
		return &provider.ConnectionError{Source: model.SourceTelegram, Op: "send code", Err: bridgeErr(out.Error)}
	}

	p.mu.Lock()
	p.authSessionID = out.SessionID
	p.authPhone = phone
	p.phoneCodeHash = out.PhoneCodeHash
	p.state = provider.StateConnecting
	p.mu.Unlock()
	return nil
}

type verifyResult struct {
	Success       bool   `json:"success"`
	NeedPassword  bool   `json:"need_password"`
	SessionString string `json:"session_string"`
	Error         string `json:"error"`
}

// VerifyCode submits the received code. Returns needPassword=true when the
// account has a second factor and VerifyPassword must follow.
func (p *Provider) VerifyCode(ctx context.Context, code string) (bool, error) {
	p.mu.Lock()
	body := map[string]string{
		"phone":           p.authPhone,
		"code":            code,
		"phone_code_hash": p.phoneCodeHash,
		"session_id":      p.authSessionID,
	}
	p.mu.Unlock()

	var out verifyResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/telegram/verify-code")
	if err != nil {
		return false, &provider.ConnectionError{Source: model.SourceTelegram, Op: "verify code", Err: err}
	}
	if out.NeedPassword {
		return true, nil
	}
	if resp.IsError() || !out.Success {
		return false, &provider.ConnectionError{Source: model.SourceTelegram, Op: "verify code", Err: bridgeErr(out.Error)}
	}

	return false, p.finishLogin(out.SessionString)
}

// VerifyPassword submits the second-factor password.
func (p *Provider) VerifyPassword(ctx context.Context, password string) error {
	p.mu.Lock()
	body := map[string]string{
		"password":   password,
		"session_id": p.authSessionID,
	}
	p.mu.Unlock()

	var out verifyResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/telegram/verify-password")
	if err != nil {
		return &provider.ConnectionError{Source: model.SourceTelegram, Op: "verify password", Err: err}
	}
	if resp.IsError() || !out.Success {
		return &provider.ConnectionError{Source: model.SourceTelegram, Op: "verify password", Err: bridgeErr(out.Error)}
	}
	return p.finishLogin(out.SessionString)
}

func (p *Provider) finishLogin(sessionString string) error {
	if err := p.creds.Put(model.SourceTelegram, sessionString); err != nil {
		return err
	}
	p.mu.Lock()
	sessionID := p.authSessionID
	p.authSessionID = ""
	p.authPhone = ""
	p.phoneCodeHash = ""
	p.mu.Unlock()

	p.becomeConnected(sessionID)
	return nil
}

type wireDialog struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	IsUser          bool   `json:"is_user"`
	IsGroup         bool   `json:"is_group"`
	IsChannel       bool   `json:"is_channel"`
	CanSendMessages bool   `json:"can_send_messages"`
	IsArchived      bool   `json:"is_archived"`
	UnreadCount     int    `json:"unread_count"`
	LastMessage     struct {
		Text string `json:"text"`
		Date string `json:"date"`
	} `json:"last_message"`
}

type dialogsResult struct {
	Success bool         `json:"success"`
	Dialogs []wireDialog `json:"dialogs"`
	Error   string       `json:"error"`
}

// GetChats fetches the full dialog snapshot. Visibility filtering happens in
// the store, so the bridge is always asked for everything.
func (p *Provider) GetChats(ctx context.Context) ([]model.Chat, error) {
	sessionID, err := p.requireSession()
	if err != nil {
		return nil, err
	}

	var out dialogsResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"session_id":       sessionID,
			"limit":            "100",
			"include_archived": "true",
			"include_readonly": "true",
			"include_groups":   "true",
		}).
		SetResult(&out).
		Get("/telegram/dialogs")
	if err != nil {
		return nil, &provider.FetchError{Source: model.SourceTelegram, Op: "get chats", Err: err}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.FetchError{Source: model.SourceTelegram, Op: "get chats", Err: bridgeErr(out.Error)}
	}

	chats := make([]model.Chat, 0, len(out.Dialogs))
	for _, d := range out.Dialogs {
		chat := model.Chat{
			ID:              strconv.FormatInt(d.ID, 10),
			Source:          model.SourceTelegram,
			Title:           d.Name,
			IsUser:          d.IsUser,
			IsGroup:         d.IsGroup,
			IsChannel:       d.IsChannel,
			CanSendMessages: d.CanSendMessages,
			Archived:        d.IsArchived,
			UnreadCount:     d.UnreadCount,
		}
		if d.LastMessage.Date != "" {
			date := parseDate(d.LastMessage.Date)
			chat.LastMessage = &model.LastMessage{Text: d.LastMessage.Text, Date: date}
			chat.Timestamp = date
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

type wireMessage struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	Date       string `json:"date"`
	SenderID   int64  `json:"sender_id"`
	IsOutgoing bool   `json:"is_outgoing"`
}

type historyResult struct {
	Success  bool          `json:"success"`
	Messages []wireMessage `json:"messages"`
	Error    string        `json:"error"`
}

// LoadHistory fetches one page of history older than beforeID. The bridge
// returns newest-first; the page is reversed into canonical oldest-to-newest
// order.
func (p *Provider) LoadHistory(ctx context.Context, chatID, beforeID string) ([]model.Message, error) {
	sessionID, err := p.requireSession()
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"session_id": sessionID,
		"dialog_id":  chatID,
		"limit":      strconv.Itoa(provider.DefaultHistoryPage),
	}
	if beforeID != "" {
		params["offset_id"] = beforeID
	}

	var out historyResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		Get("/telegram/history")
	if err != nil {
		return nil, &provider.FetchError{Source: model.SourceTelegram, Op: "load history", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return nil, &provider.FetchError{
			Source:   model.SourceTelegram,
			Op:       "load history",
			NotFound: true,
			Err:      bridgeErr(out.Error),
		}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.FetchError{Source: model.SourceTelegram, Op: "load history", Err: bridgeErr(out.Error)}
	}

	msgs := make([]model.Message, 0, len(out.Messages))
	for i := len(out.Messages) - 1; i >= 0; i-- {
		msgs = append(msgs, p.toMessage(chatID, out.Messages[i]))
	}
	return msgs, nil
}

type sendResult struct {
	Success bool        `json:"success"`
	Message wireMessage `json:"message"`
	Error   string      `json:"error"`
}

// SendMessage delivers text and returns the server-confirmed message for the
// optimistic append.
func (p *Provider) SendMessage(ctx context.Context, chatID, text string) (*model.Message, error) {
	sessionID, err := p.requireSession()
	if err != nil {
		return nil, &provider.SendError{Source: model.SourceTelegram, ChatID: chatID, Err: err}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &provider.SendError{Source: model.SourceTelegram, ChatID: chatID, Err: err}
	}

	var out sendResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"session_id": sessionID,
			"dialog_id":  chatID,
			"text":       text,
		}).
		SetResult(&out).
		Post("/telegram/send")
	if err != nil {
		return nil, &provider.SendError{Source: model.SourceTelegram, ChatID: chatID, Err: err}
	}
	if resp.IsError() || !out.Success {
		return nil, &provider.SendError{Source: model.SourceTelegram, ChatID: chatID, Err: bridgeErr(out.Error)}
	}

	msg := p.toMessage(chatID, out.Message)
	msg.Outgoing = true
	return &msg, nil
}

type wireLiveMessage struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	Date       string `json:"date"`
	SenderID   int64  `json:"sender_id"`
	ChatID     int64  `json:"chat_id"`
	IsOutgoing bool   `json:"is_outgoing"`
}

func (p *Provider) handleFrame(frameType string, data json.RawMessage) {
	switch frameType {
	case "new_message":
		var wm wireLiveMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			p.logger.Warn("telegram frame malformed", zap.Error(err))
			return
		}
		msg := model.Message{
			ID:        strconv.FormatInt(wm.ID, 10),
			ChatID:    strconv.FormatInt(wm.ChatID, 10),
			Source:    model.SourceTelegram,
			Sender:    strconv.FormatInt(wm.SenderID, 10),
			Text:      wm.Text,
			Timestamp: parseDate(wm.Date),
			Outgoing:  wm.IsOutgoing,
		}
		p.emitter.Emit(provider.Event{Kind: provider.EventNewMessage, Source: model.SourceTelegram, Message: &msg})
	case "chat_updated":
		p.emitter.Emit(provider.Event{Kind: provider.EventChatUpdated, Source: model.SourceTelegram})
	case "status":
		var st struct {
			Connected bool `json:"connected"`
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return
		}
		if st.Connected {
			p.setState(provider.StateConnected)
		} else {
			p.setState(provider.StateDisconnected)
		}
		p.emitStatus(st.Connected)
	}
}

func (p *Provider) becomeConnected(sessionID string) {
	wsURL := httpToWS(p.cfg.BaseURL) + "/telegram/ws/" + sessionID
	channel := provider.NewEventChannel(wsURL, p.handleFrame, p.logger)

	p.mu.Lock()
	p.sessionID = sessionID
	p.state = provider.StateConnected
	if p.channel != nil {
		// Reset: the old channel belongs to a superseded session.
		go p.channel.Stop()
	}
	p.channel = channel
	p.mu.Unlock()

	channel.Start(context.Background())
	p.emitStatus(true)
}

func (p *Provider) requireSession() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != provider.StateConnected || p.sessionID == "" {
		return "", fmt.Errorf("telegram provider not connected")
	}
	return p.sessionID, nil
}

func (p *Provider) setState(s provider.ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Provider) emitStatus(connected bool) {
	p.emitter.Emit(provider.Event{
		Kind:      provider.EventStatusChanged,
		Source:    model.SourceTelegram,
		Connected: connected,
	})
}

func (p *Provider) toMessage(chatID string, wm wireMessage) model.Message {
	return model.Message{
		ID:        strconv.FormatInt(wm.ID, 10),
		ChatID:    chatID,
		Source:    model.SourceTelegram,
		Sender:    strconv.FormatInt(wm.SenderID, 10),
		Text:      wm.Text,
		Timestamp: parseDate(wm.Date),
		Outgoing:  wm.IsOutgoing,
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
