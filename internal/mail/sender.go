package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vidyavaradhi/apiserver/config"
	"github.com/vidyavaradhi/apiserver/internal/logging"
)

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Rendered) error
}

// NewSender picks Resend when an API key is configured and logging otherwise.
func NewSender(cfg config.Config, log logging.Logger) Sender {
	if cfg.Mail.ResendAPIKey != "" {
		return NewResendSender(cfg.Mail.ResendAPIKey)
	}
	return NewLogSender(log, cfg.Development())
}

// LogSender writes messages to the log instead of sending them. Bodies are
// only logged when verbose is set, since they carry OTP codes.
type LogSender struct {
	log     logging.Logger
	verbose bool
}

func NewLogSender(log logging.Logger, verbose bool) *LogSender {
	return &LogSender{log: log, verbose: verbose}
}

func (s *LogSender) Send(ctx context.Context, msg Rendered) error {
	args := []any{"id", msg.ID, "kind", msg.Kind, "to", msg.To, "subject", msg.Subject}
	if s.verbose {
		args = append(args, "body", msg.Text)
	}
	s.log.Info(ctx, "mail not sent, no provider configured", args...)
	return nil
}

const resendEndpoint = "https://api.resend.com/emails"

// ResendSender delivers through the Resend HTTP API.
type ResendSender struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{
		apiKey:   apiKey,
		endpoint: resendEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint points the sender at another base URL.
func (s *ResendSender) WithEndpoint(endpoint string) *ResendSender {
	s.endpoint = endpoint
	return s
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

func (s *ResendSender) Send(ctx context.Context, msg Rendered) error {
	body, err := json.Marshal(resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	// Resend deduplicates retries that share a key.
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("resend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
