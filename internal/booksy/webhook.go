package booksy

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request
// body, keyed with the shared webhook secret.
const SignatureHeader = "X-Booksy-Signature"

//go:embed schemas/webhook_event.json
var schemaFS embed.FS

// Webhook event types. Every inbound payload is discriminated by one of
// these before anything downstream touches it.
const (
	EventBookingCreated      = "booking.created"
	EventBookingUpdated      = "booking.updated"
	EventBookingCanceled     = "booking.canceled"
	EventAvailabilityChanged = "availability.changed"
)

// Event is the decoded, schema-validated form of one inbound notification.
// Exactly one of Appointment or Slots is set, matching Type.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Version    int       `json:"version"`
	BusinessID string    `json:"business_id"`
	OccurredAt time.Time `json:"occurred_at"`

	Appointment *Appointment       `json:"appointment,omitempty"`
	Slots       []AvailabilitySlot `json:"slots,omitempty"`
}

// WebhookVerifier authenticates and decodes inbound Booksy notifications.
type WebhookVerifier struct {
	secret []byte
	schema *jsonschema.Schema
}

// NewWebhookVerifier compiles the event schema and returns a verifier keyed
// with the shared signing secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	raw, err := schemaFS.ReadFile("schemas/webhook_event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded event schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded event schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook_event.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register event schema: %w", err)
	}
	schema, err := compiler.Compile("webhook_event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}

	return &WebhookVerifier{
		secret: []byte(secret),
		schema: schema,
	}, nil
}

// VerifySignature checks the hex HMAC-SHA256 signature over the raw body.
// An empty or malformed signature fails closed.
func (v *WebhookVerifier) VerifySignature(body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("signature does not match payload")
	}
	return nil
}

// Decode validates the body against the event schema and unmarshals it into
// a typed Event. Callers must have verified the signature first.
func (v *WebhookVerifier) Decode(body []byte) (*Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("payload failed schema validation: %w", err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &event, nil
}

// DedupKey returns the audit/idempotency key identifying this delivery, so
// a replayed webhook produces no duplicate operation or audit entry.
func (e *Event) DedupKey() string {
	return "webhook:" + e.ID
}

// Sign computes the signature a sender would attach for the given body.
// Exported for tests and for the loopback delivery path.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
