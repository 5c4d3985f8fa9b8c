package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries a compact JWS over the delivery so receivers can
// authenticate the payload against their shared webhook secret.
const SignatureHeader = "X-Lienflow-Signature"

// Sender performs one delivery attempt and reports the HTTP status observed.
type Sender interface {
	Send(ctx context.Context, d Delivery) (int, error)
}

// WebhookSender posts event payloads to lender endpoints with an HS256
// signature header.
type WebhookSender struct {
	client *http.Client
	now    func() time.Time
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Send posts the event payload to the lender's endpoint. The returned status
// is the HTTP code observed; transport failures return 0 and an error.
func (s *WebhookSender) Send(ctx context.Context, d Delivery) (int, error) {
	if d.WebhookURL == nil || *d.WebhookURL == "" {
		return 0, fmt.Errorf("notify: lender %s has no webhook endpoint", d.LenderID)
	}

	sig, err := s.sign(d)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *d.WebhookURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notify: post webhook: %v: %w", err, ErrDeliveryFailed)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the body itself is not recorded.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("notify: endpoint responded %d: %w", resp.StatusCode, ErrDeliveryFailed)
	}
	return resp.StatusCode, nil
}

func (s *WebhookSender) sign(d Delivery) (string, error) {
	claims := jwt.MapClaims{
		"event_id":   d.ID,
		"event_type": string(d.EventType),
		"iat":        s.now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(d.WebhookSecret))
	if err != nil {
		return "", fmt.Errorf("notify: sign delivery: %w", err)
	}
	return signed, nil
}
