package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramConfig holds configuration for the Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
}

// TelegramAlerter sends alerts via the Telegram bot API.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &TelegramAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	text := t.formatMessage(severity, message, fields...)
	return t.send(ctx, text)
}

// SendSessionSummary sends a formatted end-of-session report.
func (t *TelegramAlerter) SendSessionSummary(ctx context.Context, summary SessionSummary) error {
	return t.send(ctx, t.formatSessionSummary(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	msg := telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}

	return nil
}

func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), message)

	if len(fields) > 0 {
		fieldsStr := FormatFields(fields...)
		if fieldsStr != "" {
			text += "\n\n<b>Details:</b>\n" + fieldsStr
		}
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", time.Now().Format("2006-01-02 15:04:05 MST"))

	return text
}

func (t *TelegramAlerter) formatSessionSummary(s SessionSummary) string {
	plEmoji := "📈"
	if s.RealizedPoints.IsNegative() {
		plEmoji = "📉"
	}

	text := fmt.Sprintf(`%s <b>Session Summary (%s)</b>
<b>Date:</b> %s

<b>Exits:</b>
• Groups Opened: %d
• Lots: %d opened, %d closed, %d FAILED
• Wins: %d | Losses: %d (%s%% win rate)
• Realized: %s points
• Chase Resubmits: %d

<b>Anomalies:</b>
• Expired Exit Locks: %d
• Still Open: %d`,
		plEmoji,
		s.Product,
		s.TradeDate.Format("2006-01-02"),
		s.GroupsOpened,
		s.LotsOpened, s.LotsClosed, s.LotsFailed,
		s.WinningLots, s.LosingLots, s.WinRate.StringFixed(1),
		s.RealizedPoints.StringFixed(2),
		s.ChaseCount,
		s.ExpiredLocks,
		s.OpenPositions,
	)

	if s.RequiresAttention() {
		text += "\n\n🚨 <b>Manual intervention required.</b>"
	}

	return text
}
