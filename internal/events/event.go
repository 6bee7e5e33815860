// Package events consumes engagement events (opens, clicks, action clicks)
// from Kafka and folds them into the store the Branch Evaluator reads.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/models"
	"github.com/rbansal42/mailer-sub003/internal/sequence"

	"github.com/google/uuid"
)

// Metadata keys carried by action_click events.
const (
	MetaDestinationType = "destinationType"
	MetaDestinationURL  = "destinationUrl"
	MetaHostedMessage   = "hostedMessage"
)

// Event is the JSON payload on the engagement topic.
type Event struct {
	Token      string                `json:"token"`
	Type       models.EngagementType `json:"type"`
	OccurredAt time.Time             `json:"occurredAt"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
}

func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, apperrors.NewValidationError(fmt.Sprintf("malformed engagement event: %v", err))
	}
	ev.Token = strings.TrimSpace(ev.Token)
	if ev.Token == "" {
		return Event{}, apperrors.NewValidationError("engagement event has no token")
	}
	if !ev.Type.Valid() {
		return Event{}, apperrors.NewValidationError(fmt.Sprintf("unknown engagement type %q", ev.Type))
	}
	return ev, nil
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:mailer:engagement"))

// eventID derives the row id from the event itself so a redelivered or
// retried event maps onto the row it already wrote.
func eventID(ev Event) string {
	key := ev.Token + "|" + string(ev.Type) + "|" + ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

func actionID(eventID string) string {
	return uuid.NewSHA1(idNamespace, []byte("action|"+eventID)).String()
}

type Store interface {
	ResolveToken(ctx context.Context, token string) (*models.TrackingToken, error)
	InsertEngagementEvent(ctx context.Context, ev *models.EngagementEvent) error
}

// ActionHandler applies an action click to its enrollment; the sequence
// Engine implements it.
type ActionHandler interface {
	HandleActionClick(ctx context.Context, click sequence.ActionClick) error
}

// Handler records one engagement event against the enrollment its token
// was issued for.
type Handler struct {
	store   Store
	actions ActionHandler
	clock   clock.Clock
	logger  logger.Logger
}

func NewHandler(store Store, actions ActionHandler, clk clock.Clock, log logger.Logger) *Handler {
	return &Handler{
		store:   store,
		actions: actions,
		clock:   clk,
		logger:  log.WithFields(map[string]interface{}{"component": "engagement-handler"}),
	}
}

// Handle is safe to repeat for the same event: rows are keyed by an id
// derived from the token, type and occurrence time.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.clock.Now()
	}

	tok, err := h.store.ResolveToken(ctx, ev.Token)
	if err != nil {
		return err
	}

	id := eventID(ev)
	rec := &models.EngagementEvent{
		ID:           id,
		Token:        tok.Token,
		EnrollmentID: tok.EnrollmentID,
		StepID:       tok.StepID,
		Type:         ev.Type,
		OccurredAt:   ev.OccurredAt,
		Metadata:     ev.Metadata,
	}
	if err := h.store.InsertEngagementEvent(ctx, rec); err != nil {
		return err
	}

	if ev.Type == models.EngagementActionClick {
		click := sequence.ActionClick{
			ID:              actionID(id),
			EnrollmentID:    tok.EnrollmentID,
			StepID:          tok.StepID,
			ClickedAt:       ev.OccurredAt,
			DestinationType: models.DestinationType(ev.Metadata[MetaDestinationType]),
			DestinationURL:  ev.Metadata[MetaDestinationURL],
			HostedMessage:   ev.Metadata[MetaHostedMessage],
		}
		if err := h.actions.HandleActionClick(ctx, click); err != nil {
			return fmt.Errorf("apply action click for %s: %w", tok.EnrollmentID, err)
		}
	}

	h.logger.Debug("engagement recorded", map[string]interface{}{
		"enrollmentId": tok.EnrollmentID,
		"stepId":       tok.StepID,
		"type":         string(ev.Type),
	})
	return nil
}
