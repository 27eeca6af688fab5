// Package notify delivers claim status change events to registered webhook
// endpoints with HMAC-SHA256 signing and bounded retries.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/lifecycle"
)

// StatusChangedEvent is the payload posted to webhook endpoints whenever a
// claim commits a status change.
type StatusChangedEvent struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	ClaimID     uuid.UUID        `json:"claim_id"`
	ClaimNumber string           `json:"claim_number"`
	From        lifecycle.Status `json:"from"`
	To          lifecycle.Status `json:"to"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

const eventTypeStatusChanged = "claim.status.changed"

// SignPayload computes an HMAC-SHA256 signature of the payload using the given
// secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the wait between delivery attempts. The number of
// delays also sets the number of retries.
func WithRetryDelays(delays []time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

// Manager fans out claim events to the configured endpoints. Deliveries run
// asynchronously so the orchestrator's commit path never blocks on a slow
// subscriber.
type Manager struct {
	endpoints   []string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// NewManager creates a Manager posting to the given endpoint URLs. All
// endpoints share one signing secret.
func NewManager(endpoints []string, secret string, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		endpoints: endpoints,
		secret:    secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "notify").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ClaimStatusChanged queues delivery of a status change event to every
// configured endpoint.
func (m *Manager) ClaimStatusChanged(c *claims.Claim, from lifecycle.Status) {
	if len(m.endpoints) == 0 {
		return
	}
	ev := StatusChangedEvent{
		ID:          uuid.NewString(),
		Type:        eventTypeStatusChanged,
		ClaimID:     c.ID,
		ClaimNumber: c.ClaimNumber,
		From:        from,
		To:          c.Status,
		OccurredAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("marshal event")
		return
	}
	for _, url := range m.endpoints {
		m.wg.Add(1)
		go func(url string) {
			defer m.wg.Done()
			m.deliver(url, ev, payload)
		}(url)
	}
}

// Wait blocks until all queued deliveries have finished. Used during
// shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) deliver(url string, ev StatusChangedEvent, payload []byte) {
	var lastErr error
	for attempt := 1; attempt <= len(m.retryDelays)+1; attempt++ {
		code, err := m.post(url, ev, payload)
		if err == nil && code >= 200 && code < 300 {
			m.logger.Debug().
				Str("url", url).
				Str("event_id", ev.ID).
				Int("attempt", attempt).
				Msg("webhook delivered")
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = &deliveryError{code: code}
		}
		if attempt <= len(m.retryDelays) {
			time.Sleep(m.retryDelays[attempt-1])
		}
	}
	m.logger.Warn().
		Err(lastErr).
		Str("url", url).
		Str("event_id", ev.ID).
		Str("claim_id", ev.ClaimID.String()).
		Msg("webhook delivery failed")
}

func (m *Manager) post(url string, ev StatusChangedEvent, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Claims-Signature", "sha256="+SignPayload(payload, m.secret))
	req.Header.Set("X-Claims-Event-ID", ev.ID)
	req.Header.Set("X-Claims-Timestamp", ev.OccurredAt.Format(time.RFC3339))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, nil
}

type deliveryError struct {
	code int
}

func (e *deliveryError) Error() string {
	return "non-2xx response: " + http.StatusText(e.code)
}
