package app

import (
	"context"
	"errors"
	"slices"

	"live-quiz-service/internal/domain"
)

// Disconnect marks a player offline, but only if socketID is still the
// socket the player is attached to. A late disconnect of a replaced socket
// is ignored.
func (s *GameService) Disconnect(ctx context.Context, accessCode, userID, socketID string) error {
	_, err := s.store.UpdateParticipant(ctx, accessCode, userID, func(p *domain.Participant) error {
		if p.SocketID != socketID {
			return domain.ErrStaleSocket
		}
		p.Online = false
		return nil
	})
	if errors.Is(err, domain.ErrStaleSocket) || errors.Is(err, domain.ErrParticipantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return err
	}
	s.emitParticipants(ctx, state)
	return nil
}

// JoinDashboard attaches one of the owner's dashboard sockets. Dashboard
// broadcasts resume from here on; the returned view is the full resync.
func (s *GameService) JoinDashboard(ctx context.Context, id domain.Identity, accessCode, socketID string) (DashboardView, []domain.Room, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	state, err := s.mutate(ctx, domain.LiveScope(accessCode), func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if !slices.Contains(st.DashboardSockets, socketID) {
			st.DashboardSockets = append(st.DashboardSockets, socketID)
		}
		st.DashboardOnline = true
		return nil
	})
	if err != nil {
		return DashboardView{}, nil, err
	}
	view, err := s.dashboardView(ctx, state)
	if err != nil {
		return DashboardView{}, nil, err
	}
	return view, []domain.Room{domain.DashboardRoom(state.InstanceID)}, nil
}

// DashboardDisconnect detaches a dashboard socket. Broadcasts are suspended
// once the last one is gone.
func (s *GameService) DashboardDisconnect(ctx context.Context, accessCode, socketID string) error {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	_, err := s.mutate(ctx, domain.LiveScope(accessCode), func(st *domain.GameState) error {
		i := slices.Index(st.DashboardSockets, socketID)
		if i < 0 {
			return errNoChange
		}
		st.DashboardSockets = slices.Delete(st.DashboardSockets, i, i+1)
		st.DashboardOnline = len(st.DashboardSockets) > 0
		return nil
	})
	if errors.Is(err, errNoChange) || errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	return err
}

// JoinProjection attaches a projector display for the owner.
func (s *GameService) JoinProjection(ctx context.Context, id domain.Identity, accessCode string) (ProjectorView, []domain.Room, error) {
	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return ProjectorView{}, nil, err
	}
	if err := authorizeOwner(id, state); err != nil {
		return ProjectorView{}, nil, err
	}
	view, err := s.projectorView(ctx, state)
	if err != nil {
		return ProjectorView{}, nil, err
	}
	return view, []domain.Room{domain.ProjectorRoom(state.InstanceID)}, nil
}
