package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrInvalidSignature means the delivery failed provider verification.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrMissingEventID means a verified body carried no event id to dedupe on.
	ErrMissingEventID = errors.New("webhook: missing event id")
)

// Event is a verified provider delivery.
type Event struct {
	ID      string
	Type    string
	Payload map[string]any
}

// Provider verifies deliveries from one upstream.
type Provider interface {
	Name() string
	SignatureHeader() string
	Verify(payload []byte, signature string) (Event, error)
}

// StripeProvider checks Stripe-Signature headers.
type StripeProvider struct {
	secret    string
	tolerance time.Duration
}

func NewStripeProvider(secret string) *StripeProvider {
	return &StripeProvider{secret: secret, tolerance: stripewebhook.DefaultTolerance}
}

func (p *StripeProvider) Name() string            { return "stripe" }
func (p *StripeProvider) SignatureHeader() string { return "Stripe-Signature" }

func (p *StripeProvider) Verify(payload []byte, signature string) (Event, error) {
	ev, err := stripewebhook.ConstructEventWithOptions(payload, signature, p.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ev.ID == "" {
		return Event{}, ErrMissingEventID
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, fmt.Errorf("decode stripe event: %w", err)
	}
	return Event{ID: ev.ID, Type: string(ev.Type), Payload: body}, nil
}

// HMACProvider verifies `X-Signature: sha256=<hex>` over the raw body. The event id is the
// body's top-level "id" field.
type HMACProvider struct {
	name   string
	secret []byte
}

func NewHMACProvider(name, secret string) *HMACProvider {
	return &HMACProvider{name: name, secret: []byte(secret)}
}

func (p *HMACProvider) Name() string            { return p.name }
func (p *HMACProvider) SignatureHeader() string { return "X-Signature" }

func (p *HMACProvider) Verify(payload []byte, signature string) (Event, error) {
	got := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if !hmac.Equal([]byte(got), []byte(Sign(p.secret, payload))) {
		return Event{}, ErrInvalidSignature
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	id, _ := body["id"].(string)
	if id == "" {
		return Event{}, ErrMissingEventID
	}
	typ, _ := body["type"].(string)
	return Event{ID: id, Type: typ, Payload: body}, nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
