package app

import (
	"context"
	"errors"
	"fmt"

	"live-quiz-service/internal/domain"
)

// Page is a client page that needs an access check before it loads.
type Page string

const (
	PageLobby      Page = "lobby"
	PageLive       Page = "live"
	PageDashboard  Page = "dashboard"
	PageProjection Page = "projection"
	PageDeferred   Page = "deferred"
)

// Access denial reasons.
const (
	ReasonNotFound      = "not_found"
	ReasonNotOwner      = "not_owner"
	ReasonCompleted     = "completed"
	ReasonNotDeferrable = "deferred_unavailable"
	ReasonNotStarted    = "not_started"
)

// AccessResult says whether a page may be opened for a session.
type AccessResult struct {
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
	Status     domain.GameStatus `json:"status,omitempty"`
}

// ValidatePageAccess is a read-only check used before a page connects its
// socket. It never changes session state.
func (s *GameService) ValidatePageAccess(ctx context.Context, id domain.Identity, accessCode string, page Page) (AccessResult, error) {
	instance, err := s.instances.InstanceByAccessCode(ctx, accessCode)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return AccessResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}
	res := AccessResult{InstanceID: instance.ID, Status: instance.Status}

	switch page {
	case PageDashboard, PageProjection:
		if id.UserID == "" || id.UserID != instance.OwnerID {
			res.Reason = ReasonNotOwner
			return res, nil
		}
	case PageLobby:
		if instance.Status == domain.StatusCompleted {
			res.Reason = ReasonCompleted
			return res, nil
		}
	case PageLive:
		if instance.Status == domain.StatusCompleted {
			res.Reason = ReasonCompleted
			return res, nil
		}
		state, err := s.store.State(ctx, domain.LiveScope(accessCode))
		if err != nil {
			return AccessResult{}, err
		}
		res.Status = state.Status
		if state.Status == domain.StatusPending {
			res.Reason = ReasonNotStarted
			return res, nil
		}
	case PageDeferred:
		if !instance.DeferredAvailable(s.now()) {
			res.Reason = ReasonNotDeferrable
			return res, nil
		}
	default:
		return AccessResult{}, fmt.Errorf("page %q: %w", page, domain.ErrValidation)
	}
	res.Allowed = true
	return res, nil
}
