// Package notify implements the chat and MQTT notifiers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kilianp07/gridflex/core/factory"
	corenotify "github.com/kilianp07/gridflex/core/notify"
)

// TelegramConfig configures the Bot API notifier. Token and ChatID fall back
// to the TOKEN and CHAT_ID environment variables.
type TelegramConfig struct {
	Token    string        `json:"token"`
	ChatID   string        `json:"chat_id"`
	BaseURL  string        `json:"base_url"`
	Timeout  time.Duration `json:"timeout"`
	Disabled bool          `json:"disabled"`
}

// Telegram posts messages to a chat.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegram is the factory of the "telegram" notifier. Without token or
// chat id it returns a no-op notifier.
func NewTelegram(conf map[string]any) (corenotify.Notifier, error) {
	var cfg TelegramConfig
	if conf != nil {
		if err := factory.Decode(conf, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TOKEN")
	}
	if cfg.ChatID == "" {
		cfg.ChatID = os.Getenv("CHAT_ID")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Disabled || cfg.Token == "" || cfg.ChatID == "" {
		return corenotify.Nop{}, nil
	}
	return &Telegram{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Notify implements notify.Notifier.
func (t *Telegram) Notify(ctx context.Context, m corenotify.Message) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": t.cfg.ChatID,
		"text":    fmt.Sprintf("[%s] %s", m.RunID, m.Text),
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(t.cfg.BaseURL, "/") + "/bot" + t.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
