// Package telegram sends task summaries to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a task summary via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Bool("success", msg.Success()).
		Msg("sending Telegram notification")

	// Format message
	text := s.formatMessage(msg)

	// Build request
	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	title := fmt.Sprintf("%s %s", titleCase(string(msg.OpType)), msg.TargetType)
	switch {
	case msg.ErrorMessage != "":
		b.WriteString(fmt.Sprintf("❌ <b>%s Aborted</b>\n\n", title))
	case msg.FailureCount > 0:
		b.WriteString(fmt.Sprintf("⚠️ <b>%s Finished With Errors</b>\n\n", title))
	default:
		b.WriteString(fmt.Sprintf("✅ <b>%s Successful</b>\n\n", title))
	}

	b.WriteString(fmt.Sprintf("📱 <b>Device:</b> %s\n", escapeHTML(msg.Host)))
	b.WriteString(fmt.Sprintf("📁 <b>Destination:</b> %s\n", escapeHTML(msg.Destination)))
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))

	b.WriteString("\n<b>📊 Items:</b>\n")
	b.WriteString(fmt.Sprintf("  • Total: %d\n", msg.TotalCount))
	b.WriteString(fmt.Sprintf("  • Succeeded: %d\n", msg.SuccessCount))
	b.WriteString(fmt.Sprintf("  • Failed: %d\n", msg.FailureCount))
	b.WriteString(fmt.Sprintf("  • Size: %s\n", humanize.IBytes(uint64(max(msg.RawBytes, 0)))))
	if msg.AvailableBytes > 0 {
		b.WriteString(fmt.Sprintf("  • Free at destination: %s\n", humanize.IBytes(uint64(msg.AvailableBytes))))
	}

	if len(msg.FailedItems) > 0 {
		b.WriteString("\n<b>⚠️ Failed items:</b>\n")
		for _, item := range msg.FailedItems {
			b.WriteString(fmt.Sprintf("  • <code>%s</code>\n", escapeHTML(item)))
		}
	}
	if msg.ErrorMessage != "" {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(msg.ErrorMessage)))
	}

	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
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
