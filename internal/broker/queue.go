package broker

import (
	"context"
	"time"

	"github.com/actulab/stationhub/internal/protocol"
)

// Queue manager: FIFO waiters per station. Entries live under the same
// per-station lock as the occupancy transitions, which is what makes
// promotion atomic with the free-to-available transition.

// Join appends userID to the station's queue. The station must be occupied
// and the user neither the occupant nor already queued. Returns the 1-based
// position and the estimated wait.
func (s *Sessions) Join(ctx context.Context, stationID int64, userID string) (int, time.Duration, error) {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.occupant == "" {
		return 0, 0, &ValidationError{Reason: "station is available, start a session instead of queueing"}
	}
	if st.occupant == userID {
		return 0, 0, &ValidationError{Reason: "already occupying this station"}
	}
	for _, entry := range st.queue {
		if entry.UserID == userID {
			return 0, 0, &ValidationError{Reason: "already waiting in this station's queue"}
		}
	}

	st.queue = append(st.queue, QueueEntry{UserID: userID, EnqueuedAt: s.now()})
	position := len(st.queue)
	wait := s.estimatedWait(ctx, position)

	s.log.Info().
		Int64("station", stationID).
		Str("user", userID).
		Int("position", position).
		Msg("waiter joined queue")
	return position, wait, nil
}

// Leave removes userID from the station's queue. Remaining waiters are
// told their new positions; the slice order already has no gaps.
func (s *Sessions) Leave(ctx context.Context, stationID int64, userID string) error {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i, entry := range st.queue {
		if entry.UserID == userID {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			s.log.Info().
				Int64("station", stationID).
				Str("user", userID).
				Msg("waiter left queue")
			s.notifyPositionsLocked(ctx, st, stationID)
			return nil
		}
	}
	return &ValidationError{Reason: "not waiting in this station's queue"}
}

// QueuePosition returns userID's 1-based position, or 0 if not queued.
func (s *Sessions) QueuePosition(stationID int64, userID string) int {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, entry := range st.queue {
		if entry.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// QueueLength returns the number of waiters for a station.
func (s *Sessions) QueueLength(stationID int64) int {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// promoteLocked pops the head of the queue and starts a session on their
// behalf. Caller holds st.mu and the station is available.
func (s *Sessions) promoteLocked(ctx context.Context, st *stationState, stationID int64) {
	for len(st.queue) > 0 {
		head := st.queue[0]
		st.queue = st.queue[1:]

		info, err := s.startLocked(ctx, st, stationID, head.UserID)
		if err != nil {
			s.log.Error().Err(err).
				Int64("station", stationID).
				Str("user", head.UserID).
				Msg("failed to promote waiter, trying next")
			continue
		}

		s.notify.SendToUser(head.UserID, protocol.SessionStarted{
			Type:       protocol.TypeSessionStarted,
			StationID:  stationID,
			OccupantID: head.UserID,
			ExpiresAt:  protocol.Timestamp(info.ExpiresAt),
		})
		s.notifyPositionsLocked(ctx, st, stationID)
		return
	}
}

// notifyPositionsLocked tells every remaining waiter their current
// position. Caller holds st.mu.
func (s *Sessions) notifyPositionsLocked(ctx context.Context, st *stationState, stationID int64) {
	for i, entry := range st.queue {
		position := i + 1
		s.notify.SendToUser(entry.UserID, protocol.QueuePosition{
			Type:                 protocol.TypeQueuePosition,
			StationID:            stationID,
			Position:             position,
			EstimatedWaitSeconds: int64(s.estimatedWait(ctx, position).Seconds()),
		})
	}
}

// estimatedWait is position × average historical session duration, falling
// back to the configured session duration when there is no history.
func (s *Sessions) estimatedWait(ctx context.Context, position int) time.Duration {
	avg, err := s.store.AverageSessionDuration(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read average session duration")
		avg = 0
	}
	if avg <= 0 {
		avg = s.duration
	}
	return time.Duration(position) * avg
}
