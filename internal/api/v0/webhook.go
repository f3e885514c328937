package v0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
	"github.com/mariia-hub/booksy-sync/internal/sync/state"
)

// maxWebhookBody caps inbound notification payloads.
const maxWebhookBody = 1 << 20

// Webhook ingests Booksy notifications: it authenticates the delivery,
// absorbs replays, and turns booking events into queued pull operations.
type Webhook struct {
	verifier  *booksy.WebhookVerifier
	entities  state.Service
	ops       pkgsync.Enqueuer
	log       audit.Log
	trigger   CycleTrigger
	providers map[string]string // business ID -> provider ID
	logger    *slog.Logger
}

// WebhookOption configures the webhook handler.
type WebhookOption func(*Webhook)

// WithWebhookLogger sets the handler logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(h *Webhook) {
		h.logger = logger
	}
}

// NewWebhook creates the inbound notification handler. providers maps
// Booksy business IDs to the hub provider IDs they sync under.
func NewWebhook(
	verifier *booksy.WebhookVerifier,
	entities state.Service,
	ops pkgsync.Enqueuer,
	log audit.Log,
	trigger CycleTrigger,
	providers map[string]string,
	opts ...WebhookOption,
) *Webhook {
	h := &Webhook{
		verifier:  verifier,
		entities:  entities,
		ops:       ops,
		log:       log,
		trigger:   trigger,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WebhookRouter mounts the inbound notification endpoint.
func WebhookRouter(h *Webhook) http.Handler {
	r := chi.NewRouter()
	r.Post("/booksy", h.handleEvent)
	return r
}

func (h *Webhook) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeErrorResponse(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.VerifySignature(body, r.Header.Get(booksy.SignatureHeader)); err != nil {
		h.logger.Warn("rejected webhook with bad signature", "error", err)
		writeErrorResponse(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := h.verifier.Decode(body)
	if err != nil {
		writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	providerID, ok := h.providers[event.BusinessID]
	if !ok {
		writeErrorResponse(w, "unknown business", http.StatusBadRequest)
		return
	}

	// One delivery, one effect. A replayed event ID short-circuits before
	// any entity or queue mutation.
	var payload json.RawMessage
	if event.Appointment != nil {
		payload, _ = json.Marshal(event.Appointment)
	}
	first, err := h.log.RecordOnce(r.Context(), &audit.Entry{
		Actor:    audit.ActorWebhook,
		Action:   "webhook_received",
		After:    payload,
		Outcome:  event.Type,
		DedupKey: event.DedupKey(),
	})
	if err != nil {
		h.logger.Error("failed to record webhook delivery", "event_id", event.ID, "error", err)
		writeErrorResponse(w, "failed to record delivery", http.StatusInternalServerError)
		return
	}
	if !first {
		h.logger.Debug("ignoring replayed webhook", "event_id", event.ID)
		writeJSONResponse(w, map[string]string{"status": "duplicate"})
		return
	}

	switch event.Type {
	case booksy.EventBookingCreated, booksy.EventBookingUpdated, booksy.EventBookingCanceled:
		if err := h.ingestBooking(r.Context(), providerID, event); err != nil {
			h.logger.Error("failed to ingest booking event",
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err)
			writeErrorResponse(w, "failed to ingest event", http.StatusInternalServerError)
			return
		}

	case booksy.EventAvailabilityChanged:
		// Availability has no per-slot entity; schedule a cycle so the
		// reconciler picks up the new windows.
		if err := h.trigger.Trigger(providerID); err != nil {
			h.logger.Warn("failed to trigger cycle for availability change",
				"provider_id", providerID,
				"error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// ingestBooking registers the remote change and enqueues the inbound
// operation carrying the appointment snapshot.
func (h *Webhook) ingestBooking(ctx context.Context, providerID string, event *booksy.Event) error {
	appt := event.Appointment

	entity, err := h.entities.EnsureExternal(ctx, providerID, appt.ID,
		booksy.EntityBooking, uuid.NewString(), "")
	if err != nil {
		return fmt.Errorf("failed to register external entity: %w", err)
	}
	if err := h.entities.RecordExternalChange(ctx, entity.ID, entity.ExternalVersion+1); err != nil {
		return fmt.Errorf("failed to record external change: %w", err)
	}

	snap := appt.ToSnapshot(providerID)
	snap.SubjectID = entity.SubjectID
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	opType := queue.OpUpdate
	switch event.Type {
	case booksy.EventBookingCreated:
		opType = queue.OpCreate
	case booksy.EventBookingCanceled:
		opType = queue.OpCancel
	}

	priority := queue.PriorityNormal
	if opType == queue.OpCancel {
		priority = queue.PriorityCancel
	}
	if _, err := h.ops.Enqueue(ctx, &queue.Request{
		EntityID: entity.ID,
		Type:     opType,
		Source:   queue.SourceExternal,
		Payload:  payload,
		Priority: priority,
	}); err != nil {
		return fmt.Errorf("failed to enqueue inbound operation: %w", err)
	}
	return nil
}
