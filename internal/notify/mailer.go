package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"quizmaster/internal/models"
)

// Mailer hands one email to a delivery backend. A nil error means the
// backend accepted it; there is no delivery confirmation beyond that.
type Mailer interface {
	Send(ctx context.Context, email models.Email) error
}

type sendRequest struct {
	From    string           `json:"from,omitempty"`
	To      string           `json:"to"`
	Subject string           `json:"subject"`
	Type    models.EmailType `json:"type"`
	Data    map[string]any   `json:"data"`
}

type sendReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r sendReply) err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("mail backend reported failure")
	}
	return errors.New(r.Error)
}

// HTTPMailer posts emails to a hosted send-email function.
type HTTPMailer struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

func NewHTTPMailer(url, apiKey, from string, timeout time.Duration) *HTTPMailer {
	return &HTTPMailer{url: url, apiKey: apiKey, from: from, client: &http.Client{Timeout: timeout}}
}

func (m *HTTPMailer) Send(ctx context.Context, email models.Email) error {
	body, err := json.Marshal(sendRequest{From: m.from, To: email.To, Subject: email.Subject, Type: email.Type, Data: email.Data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("send-email function returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var reply sendReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decode send-email reply: %w", err)
	}
	return reply.err()
}

// Requester is the request-reply half of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSMailer publishes email jobs to a subject served by a mail worker and
// waits for its success reply.
type NATSMailer struct {
	conn    Requester
	subject string
	from    string
	timeout time.Duration
}

func NewNATSMailer(conn Requester, subject, from string, timeout time.Duration) *NATSMailer {
	return &NATSMailer{conn: conn, subject: subject, from: from, timeout: timeout}
}

func (m *NATSMailer) Send(ctx context.Context, email models.Email) error {
	body, err := json.Marshal(sendRequest{From: m.from, To: email.To, Subject: email.Subject, Type: email.Type, Data: email.Data})
	if err != nil {
		return err
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	msg, err := m.conn.RequestWithContext(ctx, m.subject, body)
	if err != nil {
		return fmt.Errorf("nats request %s: %w", m.subject, err)
	}
	var reply sendReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode mail worker reply: %w", err)
	}
	return reply.err()
}

// LogMailer only logs. Used in development when no backend is configured.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, email models.Email) error {
	m.logger.Info("email not delivered, log mailer in use",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.String("type", string(email.Type)))
	return nil
}
