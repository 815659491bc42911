// Package notify delivers human-facing alerts for conditions the automation
// cannot resolve on its own, such as retry exhaustion or ambiguous broker
// outcomes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Severity ranks how urgently a human should look at a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the outbound alerting contract. Implementations must never
// block the caller for long and must never return an error that aborts the
// trading path; delivery failures are logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, user, message string, details map[string]any, severity Severity)
}

// Sender delivers one formatted message to a single channel.
type Sender interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Dispatcher fans a notification out to every configured sender.
type Dispatcher struct {
	senders []Sender
	logger  *log.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to the default.
func NewDispatcher(logger *log.Logger, senders ...Sender) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{senders: senders, logger: logger}
}

// Notify formats the alert and sends it on every channel. Each send gets its
// own short timeout so one slow channel cannot stall the trading loop.
func (d *Dispatcher) Notify(ctx context.Context, user, message string, details map[string]any, severity Severity) {
	text := formatMessage(user, message, details, severity)
	d.logger.Printf("[%s] notify %s: %s", severity, user, message)

	for _, s := range d.senders {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.Send(sendCtx, text); err != nil {
			d.logger.Printf("notify: %s send failed: %v", s.Name(), err)
		}
		cancel()
	}
}

func formatMessage(user, message string, details map[string]any, severity Severity) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] %s\nuser: %s", severity, message, user)
	if len(details) > 0 {
		if raw, err := json.MarshalIndent(details, "", "  "); err == nil {
			buf.WriteString("\n")
			buf.Write(raw)
		}
	}
	return buf.String()
}

// LogSender writes notifications to the process log. Always configured as the
// channel of last resort.
type LogSender struct {
	logger *log.Logger
}

// NewLogSender creates a LogSender. A nil logger falls back to the default.
func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, text string) error {
	s.logger.Printf("NOTIFY: %s", text)
	return nil
}

// TelegramSender posts notifications to a Telegram chat via the bot API.
type TelegramSender struct {
	botToken string
	chatID   string
	client   *http.Client
	baseURL  string
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  "https://api.telegram.org",
	}
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
