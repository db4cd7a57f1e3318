package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kstore/order-api/internal/logging"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram posts admin notifications through the Bot API sendMessage method.
type Telegram struct {
	client  *http.Client
	apiBase string
	token   string
	chatID  string
}

func NewTelegram(apiBase, token, chatID string, timeout time.Duration) *Telegram {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		client:  &http.Client{Timeout: timeout},
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
	}
}

type sendMessageReq struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResp struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageReq{ChatID: t.chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the url carries the bot token
		return fmt.Errorf("telegram sendMessage: %w", redact(err, t.token))
	}
	defer resp.Body.Close()

	var out sendMessageResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("telegram sendMessage: decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

type redactedErr struct {
	msg string
	err error
}

func (e redactedErr) Error() string { return e.msg }
func (e redactedErr) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return redactedErr{msg: strings.ReplaceAll(err.Error(), secret, "***"), err: err}
}

// LogNotifier only logs. Used when Telegram is disabled.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.New("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, text string) error {
	n.log.Info("notification", "text", text)
	return nil
}
