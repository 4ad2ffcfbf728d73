package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/rs/zerolog"
)

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Telegram sends warnings through the Telegram Bot API. The notification id
// is the Telegram message id, so a warning is edited in place rather than
// repeated.
type Telegram struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
	cfg        models.TelegramConfig
	now        func() time.Time
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(logger zerolog.Logger, cfg models.TelegramConfig) *Telegram {
	return NewTelegramWithClient(logger, cfg, &http.Client{Timeout: 30 * time.Second}, "https://api.telegram.org")
}

// NewTelegramWithClient creates a Telegram notifier with a custom HTTP client (for testing).
func NewTelegramWithClient(logger zerolog.Logger, cfg models.TelegramConfig, httpClient HTTPClient, baseURL string) *Telegram {
	return &Telegram{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		cfg:        cfg,
		now:        time.Now,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Send posts n, editing the message replaceID when set.
func (t *Telegram) Send(ctx context.Context, n models.Notification, replaceID string) (string, error) {
	t.logger.Info().
		Str("chat_id", t.cfg.ChatID).
		Str("repository", n.Repository).
		Msg("sending Telegram notification")

	text := t.formatMessage(n)

	if replaceID != "" {
		msgID, err := strconv.ParseInt(replaceID, 10, 64)
		if err == nil {
			_, err = t.call(ctx, "editMessageText", sendMessageRequest{
				ChatID: t.cfg.ChatID, MessageID: msgID, Text: text, ParseMode: "HTML",
			})
			if err == nil {
				return replaceID, nil
			}
		}
		// The message may have been deleted by the user; send a new one.
		t.logger.Debug().Err(err).Msg("cannot edit previous notification")
	}

	raw, err := t.call(ctx, "sendMessage", sendMessageRequest{ChatID: t.cfg.ChatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return "", err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	t.logger.Info().Int64("message_id", msg.MessageID).Msg("Telegram notification sent successfully")
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// Clear deletes the message id.
func (t *Telegram) Clear(ctx context.Context, id string) error {
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", id)
	}
	_, err = t.call(ctx, "deleteMessage", sendMessageRequest{ChatID: t.cfg.ChatID, MessageID: msgID})
	return err
}

func (t *Telegram) call(ctx context.Context, method string, body sendMessageRequest) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.cfg.BotToken, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram API error: %s", out.Description)
	}
	return out.Result, nil
}

func (t *Telegram) formatMessage(n models.Notification) string {
	var b strings.Builder

	b.WriteString("⚠️ <b>Backup overdue</b>\n\n")
	b.WriteString(fmt.Sprintf("📁 <b>Repository:</b> %s\n", escapeHTML(n.Repository)))
	if n.Destination != "" {
		b.WriteString(fmt.Sprintf("🗄 <b>Destination:</b> %s\n", escapeHTML(n.Destination)))
	}
	b.WriteString(fmt.Sprintf("⏰ %s\n", escapeHTML(Summary(n, t.now()))))
	b.WriteString(fmt.Sprintf("📅 <b>Expected every:</b> %d day(s)\n", n.MaxAge))
	if n.Details != "" {
		b.WriteString(fmt.Sprintf("\n<b>Last error:</b> <code>%s</code>\n", escapeHTML(n.Details)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
