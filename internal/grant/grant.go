package grant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/labelops/label-grant-service/internal/identity"
)

// AdminLabel is the label this service grants.
const AdminLabel = "admin"

var (
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

// Service is the identity-service surface the grant operation needs.
type Service interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	UpdateLabels(ctx context.Context, id string, labels []string) (*identity.User, error)
}

// Record describes a completed grant for the audit trail.
type Record struct {
	GrantID      string
	UserID       string
	RequestID    string
	LabelsBefore []string
	LabelsAfter  []string
	GrantedAt    time.Time
}

// Recorder persists audit records for completed grants.
type Recorder interface {
	RecordGrant(ctx context.Context, rec Record) error
}

// Event is the notification published after a successful grant.
type Event struct {
	EventType  string `json:"eventType"`
	UserID     string `json:"userId"`
	Label      string `json:"label"`
	GrantID    string `json:"grantId"`
	OccurredAt string `json:"occurredAt"`
}

// EventTypeLabelGranted is the event type for successful grants.
const EventTypeLabelGranted = "user.label.granted"

// Publisher announces completed grants to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// IDGenerator generates unique grant IDs.
type IDGenerator interface {
	Generate() string
}

// Handler performs the grant operation: fetch the user, union the label
// set with the admin label, and persist the full merged set.
type Handler struct {
	Identity Service
	Auditor  Recorder  // optional
	Events   Publisher // optional
	IDGen    IDGenerator
}

// Result is the outcome of a successful grant.
type Result struct {
	User       *identity.User
	AlreadyHad bool
	GrantID    string
}

// Grant ensures the user's label set contains the admin label. The update
// always sends the complete merged set; the service-side operation is a
// replace, not an append. Audit and event hooks are best-effort and never
// fail the grant.
func (h *Handler) Grant(ctx context.Context, userID, requestID string) (*Result, error) {
	user, err := h.Identity.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", userID, err)
	}

	merged, alreadyHad := MergeLabels(user.Labels, AdminLabel)

	updated, err := h.Identity.UpdateLabels(ctx, userID, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to update labels for user %s: %w", userID, err)
	}

	grantID := h.IDGen.Generate()
	now := time.Now().UTC()

	if h.Auditor != nil {
		rec := Record{
			GrantID:      grantID,
			UserID:       userID,
			RequestID:    requestID,
			LabelsBefore: user.Labels,
			LabelsAfter:  merged,
			GrantedAt:    now,
		}
		if err := h.Auditor.RecordGrant(ctx, rec); err != nil {
			logger.ErrorContext(ctx, "Failed to record grant audit entry",
				slog.String("user_id", userID),
				slog.String("grant_id", grantID),
				slog.String("error", err.Error()),
			)
			// Don't fail the grant if the audit write fails
		}
	}

	if h.Events != nil {
		event := Event{
			EventType:  EventTypeLabelGranted,
			UserID:     userID,
			Label:      AdminLabel,
			GrantID:    grantID,
			OccurredAt: now.Format(time.RFC3339),
		}
		if err := h.Events.Publish(ctx, event); err != nil {
			logger.ErrorContext(ctx, "Failed to publish grant event",
				slog.String("user_id", userID),
				slog.String("grant_id", grantID),
				slog.String("error", err.Error()),
			)
			// Don't fail the grant if event publishing fails
		}
	}

	return &Result{User: updated, AlreadyHad: alreadyHad, GrantID: grantID}, nil
}

// MergeLabels returns the label set with duplicates collapsed and the given
// label present exactly once. Pre-existing labels keep their first
// occurrence order; the new label is appended if absent. The second return
// reports whether the label was already present.
func MergeLabels(labels []string, label string) ([]string, bool) {
	merged := make([]string, 0, len(labels)+1)
	seen := make(map[string]struct{}, len(labels)+1)
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		merged = append(merged, l)
	}

	_, present := seen[label]
	if !present {
		merged = append(merged, label)
	}
	return merged, present
}
