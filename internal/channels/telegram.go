package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"neko/internal/httpclient"
	"neko/internal/jsonx"
	"neko/internal/logging"
)

const (
	telegramDefaultAPI   = "https://api.telegram.org"
	telegramMessageLimit = 4096
	telegramMaxBody      = 4 << 20
	telegramMaxUpload    = 50 << 20
	telegramCaptionLimit = 1024
)

// TelegramConfig configures the Telegram Bot API adapter.
type TelegramConfig struct {
	Token        string
	APIBase      string
	AllowedChats []string
	PollTimeout  time.Duration
}

// Telegram delivers to and long-polls the Telegram Bot API.
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	allowed map[string]bool
	logger  logging.Logger
	offset  int64
}

// NewTelegram creates the adapter. An empty AllowedChats accepts every chat.
func NewTelegram(cfg TelegramConfig, logger logging.Logger) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = telegramDefaultAPI
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	allowed := make(map[string]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[strings.TrimSpace(id)] = true
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
		allowed: allowed,
		logger:  logging.OrNop(logger),
	}
}

type telegramResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      jsonx.RawMessage `json:"result"`
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Date int64  `json:"date"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		From *struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			Username  string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

// Deliver sends text to a chat, splitting messages over the API size limit.
func (t *Telegram) Deliver(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return fmt.Errorf("telegram: chat id is required")
	}
	for _, chunk := range splitMessage(text, telegramMessageLimit) {
		body, err := jsonx.Marshal(map[string]any{"chat_id": chatID, "text": chunk})
		if err != nil {
			return fmt.Errorf("telegram: encode: %w", err)
		}
		if _, err := t.call(ctx, http.MethodPost, "sendMessage", nil, "application/json", body); err != nil {
			return err
		}
	}
	return nil
}

// Poll long-polls getUpdates until ctx is cancelled, passing text messages
// from allowed chats to handle.
func (t *Telegram) Poll(ctx context.Context, handle Handler) error {
	t.logger.Info("Telegram polling started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		params := url.Values{}
		params.Set("timeout", strconv.Itoa(int(t.cfg.PollTimeout.Seconds())))
		params.Set("offset", strconv.FormatInt(t.offset, 10))

		raw, err := t.call(ctx, http.MethodGet, "getUpdates", params, "", nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("Telegram getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		var updates []telegramUpdate
		if err := jsonx.Unmarshal(raw, &updates); err != nil {
			t.logger.Warn("Telegram: decode updates: %v", err)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if msg, ok := t.toInbound(u); ok {
				handle(ctx, msg)
			}
		}
	}
}

func (t *Telegram) toInbound(u telegramUpdate) (InboundMessage, bool) {
	if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
		return InboundMessage{}, false
	}
	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	if len(t.allowed) > 0 && !t.allowed[chatID] {
		t.logger.Debug("Telegram: ignoring message from chat %s", chatID)
		return InboundMessage{}, false
	}
	msg := InboundMessage{
		Channel:    "telegram",
		ChatID:     chatID,
		IsGroup:    u.Message.Chat.Type == "group" || u.Message.Chat.Type == "supergroup",
		Text:       u.Message.Text,
		ReceivedAt: time.Unix(u.Message.Date, 0),
	}
	if u.Message.From != nil {
		msg.SenderID = strconv.FormatInt(u.Message.From.ID, 10)
		msg.SenderName = u.Message.From.Username
		if msg.SenderName == "" {
			msg.SenderName = u.Message.From.FirstName
		}
	}
	return msg, true
}

// DeliverFile uploads a local file. Images, audio and video use the
// matching send method so chats render them inline; anything else is sent
// as a document.
func (t *Telegram) DeliverFile(ctx context.Context, chatID string, file Attachment) error {
	if chatID == "" {
		return fmt.Errorf("telegram: chat id is required")
	}
	info, err := os.Stat(file.Path)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if info.Size() > telegramMaxUpload {
		return fmt.Errorf("telegram: %s is %d bytes, over the %d byte upload limit", file.Path, info.Size(), telegramMaxUpload)
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer f.Close()

	endpoint, field := telegramUploadMethod(file.MIMEType)
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	if file.Caption != "" {
		caption := []rune(file.Caption)
		if len(caption) > telegramCaptionLimit {
			caption = caption[:telegramCaptionLimit]
		}
		if err := mw.WriteField("caption", string(caption)); err != nil {
			return fmt.Errorf("telegram: encode: %w", err)
		}
	}
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: read %s: %w", file.Path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	_, err = t.call(ctx, http.MethodPost, endpoint, nil, mw.FormDataContentType(), body.Bytes())
	return err
}

func telegramUploadMethod(mimeType string) (endpoint, field string) {
	switch {
	case strings.HasPrefix(mimeType, "image/") && mimeType != "image/gif" && mimeType != "image/svg+xml":
		return "sendPhoto", "photo"
	case strings.HasPrefix(mimeType, "audio/"):
		return "sendAudio", "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "sendVideo", "video"
	default:
		return "sendDocument", "document"
	}
}

func (t *Telegram) call(ctx context.Context, method, endpoint string, params url.Values, contentType string, body []byte) (jsonx.RawMessage, error) {
	u := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.Token, endpoint)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, telegramMaxBody)
	if httpclient.IsResponseTooLarge(err) {
		return nil, fmt.Errorf("telegram %s: status %d: response over %d bytes", endpoint, resp.StatusCode, telegramMaxBody)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read: %w", endpoint, err)
	}
	var parsed telegramResponse
	if err := jsonx.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("telegram %s: status %d: decode: %w", endpoint, resp.StatusCode, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram %s: status %d: %s", endpoint, resp.StatusCode, parsed.Description)
	}
	return parsed.Result, nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
