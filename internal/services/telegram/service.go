// Package telegram sends a summary of each backup run to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog"
)

// maxFailuresListed caps the per-database lines so the message stays under
// the 4096 character limit of sendMessage.
const maxFailuresListed = 20

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendReport(ctx context.Context, cfg models.TelegramConfig, report *models.RunReport, runErr error) (*models.TelegramResult, error)
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
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		baseURL:    "https://api.telegram.org",
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

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendReport posts a run summary. runErr is the error that aborted the run, if any.
func (s *Impl) SendReport(ctx context.Context, cfg models.TelegramConfig, report *models.RunReport, runErr error) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Int("failed", len(report.Failed())).
		Msg("sending Telegram notification")

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      FormatReport(report, runErr),
		ParseMode: "HTML",
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

// FormatReport renders report as a Telegram HTML message.
func FormatReport(report *models.RunReport, runErr error) string {
	var b strings.Builder

	failed := report.Failed()
	switch {
	case runErr != nil:
		b.WriteString("❌ <b>Backup Aborted</b>\n\n")
	case len(failed) > 0:
		b.WriteString("⚠️ <b>Backup Finished With Errors</b>\n\n")
	default:
		b.WriteString("✅ <b>Backup Successful</b>\n\n")
	}

	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", escapeHTML(report.Host))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", report.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", report.Duration.Round(time.Second))

	if runErr != nil {
		fmt.Fprintf(&b, "\n<b>Error:</b> <code>%s</code>\n", escapeHTML(runErr.Error()))
	}

	if len(report.Databases) > 0 || report.Roles != nil {
		var size int64
		for _, o := range report.Databases {
			size += o.SizeBytes
		}
		b.WriteString("\n<b>📊 Dumps:</b>\n")
		fmt.Fprintf(&b, "  • Databases: %d/%d\n", report.Succeeded(), len(report.Databases))
		fmt.Fprintf(&b, "  • Written: %s\n", formatBytes(size))
		if report.Roles != nil {
			status := "ok"
			if !report.Roles.OK() {
				status = "failed"
			}
			fmt.Fprintf(&b, "  • Roles: %s\n", status)
		}
	}

	if len(failed) > 0 {
		b.WriteString("\n<b>Failed:</b>\n")
		for i, o := range failed {
			if i == maxFailuresListed {
				fmt.Fprintf(&b, "  • ... and %d more\n", len(failed)-i)
				break
			}
			fmt.Fprintf(&b, "  • %s: <code>%s</code>\n", escapeHTML(o.Database), escapeHTML(o.Error.Error()))
		}
	}

	if len(report.Uploaded) > 0 {
		fmt.Fprintf(&b, "\n☁️ <b>Uploaded:</b> %d\n", len(report.Uploaded))
	}
	if len(report.Pruned) > 0 {
		fmt.Fprintf(&b, "🗑 <b>Pruned:</b> %d\n", len(report.Pruned))
	}

	return b.String()
}

func escapeHTML(s string) string {
	var b strings.Builder
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

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
