package ack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Error types for the sender.
var (
	// ErrSendFailed means every attempt was exhausted without a 2xx.
	ErrSendFailed = errors.New("acknowledgment send failed")
	// ErrRejected means the provider rejected the message outright;
	// retrying the same payload cannot succeed.
	ErrRejected = errors.New("acknowledgment rejected by provider")
)

// defaultInitialDelay spaces the first attempt away from the webhook
// response, avoiding connection races at the provider.
const defaultInitialDelay = 500 * time.Millisecond

// address is a SendGrid address object.
type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
	CC []address `json:"cc,omitempty"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// sendRequest is the SendGrid v3 mail/send payload.
type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	ReplyTo          *address          `json:"reply_to,omitempty"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

// Config holds sender settings.
type Config struct {
	Endpoint     string
	APIKey       string
	FromAddr     string
	FromName     string
	CCAddr       string
	Deadline     time.Duration
	Retries      int
	BaseDelay    time.Duration
	InitialDelay time.Duration
}

// Sender delivers acknowledgments through the SendGrid v3 API.
type Sender struct {
	http         *http.Client
	endpoint     string
	apiKey       string
	fromAddr     string
	fromName     string
	ccAddr       string
	retries      int
	baseDelay    time.Duration
	initialDelay time.Duration
	logger       *zap.Logger
}

// NewSender creates a Sender.
func NewSender(cfg Config, logger *zap.Logger) *Sender {
	initial := cfg.InitialDelay
	if initial == 0 {
		initial = defaultInitialDelay
	}
	return &Sender{
		http:         &http.Client{Timeout: cfg.Deadline},
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		fromAddr:     cfg.FromAddr,
		fromName:     cfg.FromName,
		ccAddr:       cfg.CCAddr,
		retries:      cfg.Retries,
		baseDelay:    cfg.BaseDelay,
		initialDelay: initial,
		logger:       logger,
	}
}

// Send delivers msg to the customer address. Reply-To points back at the
// customer so an operator reply threads naturally. Network failures and
// provider 5xx retry with linearly growing waits (base, 2*base) for at most
// retries total attempts; provider 4xx fails immediately.
func (s *Sender) Send(ctx context.Context, to string, msg Message) error {
	body, err := json.Marshal(s.payload(to, msg))
	if err != nil {
		return fmt.Errorf("encode mail payload: %w", err)
	}

	if err := sleep(ctx, s.initialDelay); err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		status, err := s.post(ctx, body)
		switch {
		case err == nil && status >= 200 && status < 300:
			return nil
		case err == nil && status < 500:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrRejected, status))
		case err == nil:
			err = fmt.Errorf("provider status %d", status)
		}
		s.logger.Warn("acknowledgment attempt failed",
			zap.String("to", to), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	bo := backoff.WithContext(&linearBackOff{base: s.baseDelay, waits: s.retries - 1}, ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// linearBackOff yields base, 2*base, 3*base and so on until the wait
// budget is spent.
type linearBackOff struct {
	base  time.Duration
	waits int
	step  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	if b.step >= b.waits {
		return backoff.Stop
	}
	b.step++
	return time.Duration(b.step) * b.base
}

func (b *linearBackOff) Reset() { b.step = 0 }

func (s *Sender) payload(to string, msg Message) *sendRequest {
	p := personalization{To: []address{{Email: to}}}
	if s.ccAddr != "" {
		p.CC = []address{{Email: s.ccAddr}}
	}

	contents := []content{{Type: "text/plain", Value: msg.TextBody}}
	if msg.HTMLBody != "" {
		contents = append(contents, content{Type: "text/html", Value: msg.HTMLBody})
	}

	return &sendRequest{
		Personalizations: []personalization{p},
		From:             address{Email: s.fromAddr, Name: s.fromName},
		ReplyTo:          &address{Email: to},
		Subject:          msg.Subject,
		Content:          contents,
	}
}

func (s *Sender) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
