package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/chathub/internal/config"
	"github.com/matheus3301/chathub/internal/credstore"
	"github.com/matheus3301/chathub/internal/hub"
	"github.com/matheus3301/chathub/internal/metrics"
	"github.com/matheus3301/chathub/internal/model"
	"github.com/matheus3301/chathub/internal/provider"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TelegramAuth is the interactive login surface of the telegram provider.
type TelegramAuth interface {
	StartLogin(ctx context.Context, phone string) error
	VerifyCode(ctx context.Context, code string) (bool, error)
	VerifyPassword(ctx context.Context, password string) error
}

// ControlServer serves the JSON control API on the profile's unix socket.
// The CLI is its only intended client.
type ControlServer struct {
	store      *hub.Store
	tgAuth     TelegramAuth
	creds      *credstore.Store
	metrics    *metrics.Metrics
	logger     *zap.Logger
	socketPath string

	srv *http.Server
}

// NewControlServer builds the control server; Start binds the socket.
func NewControlServer(store *hub.Store, tgAuth TelegramAuth, creds *credstore.Store, m *metrics.Metrics, socketPath string, logger *zap.Logger) *ControlServer {
	return &ControlServer{
		store:      store,
		tgAuth:     tgAuth,
		creds:      creds,
		metrics:    m,
		logger:     logger,
		socketPath: socketPath,
	}
}

// Router builds the HTTP route table. Exposed for handler tests.
func (s *ControlServer) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/chats", s.handleChats).Methods(http.MethodGet)
	v1.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	v1.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/filters", s.handleFilters).Methods(http.MethodPut)
	v1.HandleFunc("/connect/{source}", s.handleConnect).Methods(http.MethodPost)
	v1.HandleFunc("/disconnect/{source}", s.handleDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/telegram/login", s.handleTelegramLogin).Methods(http.MethodPost)
	v1.HandleFunc("/telegram/code", s.handleTelegramCode).Methods(http.MethodPost)
	v1.HandleFunc("/telegram/password", s.handleTelegramPassword).Methods(http.MethodPost)
	v1.HandleFunc("/whatsapp/qr", s.handleWhatsAppQR).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

// Start binds the unix socket and serves until Stop. A socket left behind by
// a dead daemon is removed first; the profile lock already guarantees we are
// the only live instance.
func (s *ControlServer) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return err
	}

	s.srv = &http.Server{Handler: s.Router()}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server failed", zap.Error(err))
		}
	}()
	s.logger.Info("control server listening", zap.String("socket", s.socketPath))
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *ControlServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}

// Wire shapes for the control API.

type chatJSON struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Title           string    `json:"title"`
	IsUser          bool      `json:"is_user"`
	IsGroup         bool      `json:"is_group"`
	IsChannel       bool      `json:"is_channel"`
	CanSendMessages bool      `json:"can_send_messages"`
	Archived        bool      `json:"archived"`
	UnreadCount     int       `json:"unread_count"`
	Timestamp       time.Time `json:"timestamp"`
	LastMessage     *struct {
		Text string    `json:"text"`
		Date time.Time `json:"date"`
	} `json:"last_message,omitempty"`
}

type messageJSON struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Source    string    `json:"source"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Outgoing  bool      `json:"outgoing"`
}

func toChatJSON(c model.Chat) chatJSON {
	out := chatJSON{
		ID:              c.ID,
		Source:          string(c.Source),
		Title:           c.Title,
		IsUser:          c.IsUser,
		IsGroup:         c.IsGroup,
		IsChannel:       c.IsChannel,
		CanSendMessages: c.CanSendMessages,
		Archived:        c.Archived,
		UnreadCount:     c.UnreadCount,
		Timestamp:       c.Timestamp,
	}
	if c.LastMessage != nil {
		out.LastMessage = &struct {
			Text string    `json:"text"`
			Date time.Time `json:"date"`
		}{Text: c.LastMessage.Text, Date: c.LastMessage.Date}
	}
	return out
}

func toMessageJSON(m model.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Source:    string(m.Source),
		Sender:    m.Sender,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		Outgoing:  m.Outgoing,
	}
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	states := s.store.Status()
	providers := make(map[string]string, len(states))
	for src, st := range states {
		providers[string(src)] = string(st)
	}
	errs := make(map[string]string)
	for src, msg := range s.store.SourceErrors() {
		errs[string(src)] = msg
	}

	saved := []map[string]any{}
	if infos, err := s.creds.List(); err == nil {
		for _, info := range infos {
			saved = append(saved, map[string]any{
				"source":   string(info.Source),
				"saved_at": info.SavedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providers":   providers,
		"errors":      errs,
		"credentials": saved,
	})
}

func (s *ControlServer) handleChats(w http.ResponseWriter, r *http.Request) {
	chats := s.store.Chats()
	out := make([]chatJSON, 0, len(chats))
	for _, c := range chats {
		out = append(out, toChatJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

// handleMessages selects the chat (resetting unread and kicking off a fresh
// fetch) and returns the currently known messages. With older=true it first
// pulls the preceding history page.
func (s *ControlServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	source := model.Source(r.URL.Query().Get("source"))
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" || !validSource(source) {
		writeError(w, http.StatusBadRequest, "source and chat_id are required")
		return
	}
	key := model.ChatKey{Source: source, ID: chatID}

	if r.URL.Query().Get("older") == "true" {
		if err := s.store.LoadOlderMessages(r.Context(), key); err != nil {
			s.logger.Warn("older page fetch failed", zap.Error(err))
		}
		msgs := s.store.Messages(key)
		writeMessages(w, msgs)
		return
	}

	msgs, err := s.store.SelectChat(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeMessages(w, msgs)
}

func writeMessages(w http.ResponseWriter, msgs []model.Message) {
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *ControlServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	source := model.Source(req.Source)
	if req.ChatID == "" || req.Text == "" || !validSource(source) {
		writeError(w, http.StatusBadRequest, "source, chat_id and text are required")
		return
	}

	msg, err := s.store.SendMessage(r.Context(), model.ChatKey{Source: source, ID: req.ChatID}, req.Text)
	if err != nil {
		var sendErr *provider.SendError
		if errors.As(err, &sendErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": toMessageJSON(*msg)})
}

func (s *ControlServer) handleFilters(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShowArchived bool `json:"show_archived"`
		ShowReadOnly bool `json:"show_readonly"`
		ShowGroups   bool `json:"show_groups"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.store.UpdateFilters(config.Filters{
		ShowArchived: req.ShowArchived,
		ShowReadOnly: req.ShowReadOnly,
		ShowGroups:   req.ShowGroups,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *ControlServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	source := model.Source(mux.Vars(r)["source"])
	if !validSource(source) {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	connected, err := s.store.ConnectProvider(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	p, _ := s.store.Provider(source)
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"state":     string(p.State()),
		"pending":   p.PendingCode() != "",
	})
}

func (s *ControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	source := model.Source(mux.Vars(r)["source"])
	if !validSource(source) {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	if err := s.store.DisconnectProvider(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *ControlServer) handleTelegramLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := s.tgAuth.StartLogin(r.Context(), req.Phone); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *ControlServer) handleTelegramCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	needPassword, err := s.tgAuth.VerifyCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !needPassword {
		go func() { _ = s.store.LoadChatsSource(context.Background(), model.SourceTelegram) }()
	}
	writeJSON(w, http.StatusOK, map[string]any{"need_password": needPassword})
}

func (s *ControlServer) handleTelegramPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	if err := s.tgAuth.VerifyPassword(r.Context(), req.Password); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	go func() { _ = s.store.LoadChatsSource(context.Background(), model.SourceTelegram) }()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *ControlServer) handleWhatsAppQR(w http.ResponseWriter, r *http.Request) {
	p, ok := s.store.Provider(model.SourceWhatsApp)
	if !ok {
		writeError(w, http.StatusNotFound, "whatsapp provider not registered")
		return
	}
	qr := p.PendingCode()
	if qr == "" {
		writeError(w, http.StatusNotFound, "no pairing code pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qr": qr})
}

func validSource(s model.Source) bool {
	for _, src := range model.Sources() {
		if s == src {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
