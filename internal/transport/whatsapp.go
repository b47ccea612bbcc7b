// Package transport implements the group-chat boundary over the WhatsApp
// Business Cloud API: webhook inbound, Graph API outbound with mentions and
// quote-replies, media downloaded to the local media store.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const graphAPIBase = "https://graph.facebook.com/v21.0"

// Recorder persists inbound events so a restart can replay the recent tail.
// Satisfied by archive.Store.
type Recorder interface {
	RecordInbound(ctx context.Context, ev domain.InboundEvent) error
	RecentInbound(ctx context.Context, limit int) ([]domain.InboundEvent, error)
}

// WhatsApp implements domain.ChatTransport for one group chat.
type WhatsApp struct {
	cfg      Config
	logger   *slog.Logger
	client   *http.Client
	media    domain.MediaStore
	recorder Recorder
	mux      *http.ServeMux
	server   *http.Server

	mu       sync.RWMutex
	handler  func(context.Context, domain.InboundEvent)
	senders  map[string]domain.SenderIdentity // resolved once per process lifetime
	baseCtx  context.Context
}

type Config struct {
	ListenAddr    string
	WebhookPath   string
	AppSecret     string
	AccessToken   string
	VerifyToken   string
	PhoneNumberID string
	GroupChatID   string // the community group the bot serves
	MetricsPath   string // optional: mount a metrics handler on the same server
	Metrics       http.Handler
}

func NewWhatsApp(cfg Config, media domain.MediaStore, recorder Recorder, logger *slog.Logger) *WhatsApp {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/whatsapp"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8088"
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 30 * time.Second},
		media:    media,
		recorder: recorder,
		senders:  make(map[string]domain.SenderIdentity),
	}
}

func (w *WhatsApp) OnMessage(handler func(context.Context, domain.InboundEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

// Start registers the webhook routes and serves them until Stop.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.mu.Lock()
	w.baseCtx = ctx
	w.mu.Unlock()

	w.mux = http.NewServeMux()
	w.mux.HandleFunc("GET "+w.cfg.WebhookPath, w.handleVerification)
	w.mux.HandleFunc("POST "+w.cfg.WebhookPath, w.handleIncoming)
	if w.cfg.MetricsPath != "" && w.cfg.Metrics != nil {
		w.mux.Handle("GET "+w.cfg.MetricsPath, w.cfg.Metrics)
	}

	w.server = &http.Server{Addr: w.cfg.ListenAddr, Handler: w.mux}
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webhook server failed", "err", err)
		}
	}()

	w.logger.Info("whatsapp transport ready", "addr", w.cfg.ListenAddr, "webhook", w.cfg.WebhookPath)
	return nil
}

func (w *WhatsApp) Stop() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

// RecentMessages returns the persisted tail of inbound events, oldest first.
// Used by the startup recovery scan; the Cloud API itself cannot re-fetch
// history.
func (w *WhatsApp) RecentMessages(ctx context.Context, limit int) ([]domain.InboundEvent, error) {
	if w.recorder == nil {
		return nil, nil
	}
	return w.recorder.RecentInbound(ctx, limit)
}

// Send delivers text to the group, quoting and mentioning when requested.
func (w *WhatsApp) Send(ctx context.Context, text string, opts domain.SendOptions) error {
	if opts.MentionID != "" {
		// The Cloud API has no mention entity for text messages; the
		// conventional @number prefix renders as a mention in group chats.
		text = "@" + opts.MentionID + " " + text
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                w.cfg.GroupChatID,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	if opts.QuotedMessageID != "" {
		payload["context"] = map[string]string{"message_id": opts.QuotedMessageID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", graphAPIBase, w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// --- webhook handlers ---

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" {
		if !w.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	// Ack immediately; Meta retries otherwise.
	rw.WriteHeader(http.StatusOK)

	w.mu.RLock()
	handler := w.handler
	ctx := w.baseCtx
	w.mu.RUnlock()
	if handler == nil || ctx == nil {
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, c := range change.Value.Contacts {
				w.rememberSender(c)
			}
			for _, msg := range change.Value.Messages {
				ev, ok := w.toEvent(ctx, msg)
				if !ok {
					continue
				}
				if w.recorder != nil {
					if err := w.recorder.RecordInbound(ctx, ev); err != nil {
						w.logger.Warn("cannot record inbound message", "err", err)
					}
				}
				handler(ctx, ev)
			}
		}
	}
}

func (w *WhatsApp) rememberSender(c waContact) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.senders[c.WaID]; ok {
		return
	}
	w.senders[c.WaID] = domain.SenderIdentity{
		ID:          c.WaID,
		PhoneNumber: c.WaID,
		DisplayName: c.Profile.Name,
	}
}

func (w *WhatsApp) senderFor(id string) domain.SenderIdentity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if s, ok := w.senders[id]; ok {
		return s
	}
	return domain.SenderIdentity{ID: id, PhoneNumber: id, DisplayName: id}
}

func (w *WhatsApp) toEvent(ctx context.Context, msg waMessage) (domain.InboundEvent, bool) {
	ev := domain.InboundEvent{Sender: w.senderFor(msg.From)}
	ts := time.Now()
	if n, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		ts = time.Unix(n, 0)
	}
	m := domain.Message{Timestamp: ts, SourceID: msg.ID}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return ev, false
		}
		m.Text = msg.Text.Body
	case "image":
		if msg.Image == nil {
			return ev, false
		}
		m.Text = msg.Image.Caption
		path, err := w.downloadMedia(ctx, msg.From, msg.Image.ID)
		if err != nil {
			w.logger.Warn("media download failed", "media", msg.Image.ID, "err", err)
		} else {
			m.MediaPath = path
		}
	default:
		return ev, false
	}

	w.logger.Info("whatsapp message received", "from", msg.From, "type", msg.Type, "text_len", len(m.Text))
	ev.Message = m
	return ev, true
}

// downloadMedia resolves a media id to its URL and saves the bytes locally.
func (w *WhatsApp) downloadMedia(ctx context.Context, senderID, mediaID string) (string, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := w.getJSON(ctx, graphAPIBase+"/"+mediaID, &meta); err != nil {
		return "", fmt.Errorf("resolve media url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", meta.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media fetch %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	ext := ".jpg"
	if meta.MimeType == "image/png" {
		ext = ".png"
	}
	return w.media.Save(senderID, ext, data)
}

func (w *WhatsApp) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph API %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature[7:]), []byte(computed))
}

// --- webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waImage `json:"image,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waImage struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}
