package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"escalator/internal/config"
	"escalator/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to one configured URL. Each hook has its
// own rate limit and circuit breaker.
type Webhook struct {
	cfg      config.WebhookConfig
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	channels map[string]bool
	now      func() time.Time
}

func NewWebhook(cfg config.WebhookConfig, breaker config.BreakerConfig, logger *zap.Logger) *Webhook {
	timeout := defaultWebhookTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout.Std()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxFailures := breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := 30 * time.Second
	if breaker.OpenTimeout > 0 {
		openTimeout = breaker.OpenTimeout.Std()
	}
	w := &Webhook{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		channels: map[string]bool{},
		now:      time.Now,
	}
	for _, c := range cfg.Channels {
		w.channels[strings.ToLower(strings.TrimSpace(c))] = true
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + cfg.Name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("webhook breaker state changed", zap.String("breaker", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})
	return w
}

func (w *Webhook) Name() string { return w.cfg.Name }

// Accepts reports whether the hook subscribes to one of n's channels. Hooks
// without a channel filter, and notifications without channels, always match.
func (w *Webhook) Accepts(n domain.Notification) bool {
	if !w.cfg.IsEnabled() {
		return false
	}
	if len(w.channels) == 0 || len(n.Channels) == 0 {
		return true
	}
	for _, c := range n.Channels {
		if w.channels[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

type webhookPayload struct {
	ID         string    `json:"id"`
	Recipients []string  `json:"recipients"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Priority   string    `json:"priority"`
	Channels   []string  `json:"channels,omitempty"`
	ItemID     string    `json:"item_id"`
	RuleID     string    `json:"rule_id"`
	SentAt     time.Time `json:"sent_at"`
}

// Send posts n once. Client errors and an open breaker are permanent; the
// dispatcher retries everything else.
func (w *Webhook) Send(ctx context.Context, n domain.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return backoff.Permanent(err)
	}
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, n)
	})
	var perm *backoff.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return backoff.Permanent(fmt.Errorf("webhook %s: %w", w.cfg.Name, err))
	case errors.As(err, &perm):
		return err
	}
	return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
}

func (w *Webhook) post(ctx context.Context, n domain.Notification) error {
	delivery := uuid.NewString()
	data, err := json.Marshal(webhookPayload{
		ID:         delivery,
		Recipients: n.Recipients,
		Title:      n.Title,
		Body:       n.Body,
		Priority:   n.Priority,
		Channels:   n.Channels,
		ItemID:     n.ItemID,
		RuleID:     n.RuleID,
		SentAt:     w.now().UTC(),
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escalator-Delivery", delivery)
	req.Header.Set("X-Escalator-Item", n.ItemID)
	if strings.TrimSpace(w.cfg.Secret) != "" {
		req.Header.Set("X-Escalator-Signature", "sha256="+Sign(w.cfg.Secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Escalator-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
