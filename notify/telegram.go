package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/tabrefresh/horosafe"
)

// DefaultTelegramAPI is the public Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// maxValueRunes bounds each value rendered in a message.
const maxValueRunes = 1000

// TelegramConfig configures the Telegram Bot API sender.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
	// APIBase overrides DefaultTelegramAPI (tests, self-hosted Bot API servers).
	APIBase string `yaml:"api_base" json:"api_base,omitempty"`
}

// Configured reports whether both token and chat id are present.
func (c TelegramConfig) Configured() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// Telegram sends HTML messages through sendMessage.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegram creates a Telegram sender.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultTelegramAPI
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Telegram{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Telegram) Name() string { return "telegram" }

type telegramRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts one message. The Bot API answers {"ok":false,"description":...}
// on failure, usually with a 4xx status; the description becomes the cause.
func (t *Telegram) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(telegramRequest{
		ChatID:    t.cfg.ChatID,
		Text:      FormatTelegram(p),
		ParseMode: "HTML",
	})
	if err != nil {
		return &ErrSendFailed{Channel: t.Name(), Cause: fmt.Errorf("marshal: %w", err)}
	}

	endpoint := t.cfg.APIBase + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: t.Name(), Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of the error.
		return &ErrSendFailed{Channel: t.Name(), Cause: redact(err, t.cfg.BotToken)}
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return &ErrSendFailed{Channel: t.Name(), Cause: fmt.Errorf("read response: %w", err)}
	}
	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return &ErrSendFailed{Channel: t.Name(), Cause: fmt.Errorf("status %d: undecodable response", resp.StatusCode)}
	}
	if !tr.OK {
		desc := tr.Description
		if desc == "" {
			desc = "Unknown API Error"
		}
		return &ErrSendFailed{Channel: t.Name(), Cause: fmt.Errorf("%s", desc)}
	}
	return nil
}

// FormatTelegram renders the alert message in Telegram's HTML parse mode.
func FormatTelegram(p Payload) string {
	url := p.URL
	if url == "" {
		url = "Unknown"
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	b.WriteString("🔔 <b>Alert: Content Changed!</b>\n\n")
	fmt.Fprintf(&b, "📊 <b>Value:</b> %s → %s\n",
		escape(truncate(FormatValue(p.OldValue), maxValueRunes)),
		escape(truncate(FormatValue(p.NewValue), maxValueRunes)))
	fmt.Fprintf(&b, "🔗 <b>URL:</b> %s\n", escape(url))
	fmt.Fprintf(&b, "⏰ <b>Time:</b> %s\n\n", at.Format("2006-01-02 15:04:05"))
	b.WriteString("<i>tabrefresh</i>")
	return b.String()
}

// escape also turns quotes into numeric entities, which Telegram accepts.
func escape(s string) string {
	return html.EscapeString(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "..."
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), secret, "<token>"))
}
