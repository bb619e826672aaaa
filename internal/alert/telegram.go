package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	telegramMaxText        = 4096
)

// ErrTelegramThrottled carries the retry_after hint Telegram sends with 429.
var ErrTelegramThrottled = errors.New("telegram throttled")

type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	silent   bool
	client   *http.Client
}

type TelegramOptions struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	// Silent sends without a phone notification.
	Silent bool
}

func NewTelegramNotifier(opts TelegramOptions) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	return &TelegramNotifier{
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		baseURL:  base,
		silent:   opts.Silent,
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	if len(msg) > telegramMaxText {
		msg = msg[:telegramMaxText-3] + "..."
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:              t.chatID,
		Text:                msg,
		DisableNotification: t.silent,
	})
	if err != nil {
		return err
	}
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed telegramSendMessageResponse
	_ = json.Unmarshal(respBody, &parsed)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: retry_after=%ds", ErrTelegramThrottled, parsed.Parameters.RetryAfter)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) > 0 && !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

// LogNotifier writes alerts to the process log. Paper runs use it so the
// alert path stays exercised without a bot token.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg string) error {
	log.Printf("level=INFO event=alert_message body=%q", msg)
	return nil
}

type telegramSendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}
