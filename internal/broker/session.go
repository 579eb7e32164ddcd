package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/protocol"
)

// DefaultSessionDuration is the fixed length of an exclusive control
// session.
const DefaultSessionDuration = 5 * time.Minute

// Notifier delivers session and queue events to viewers. Implemented by
// Hub; tests substitute a recorder.
type Notifier interface {
	Broadcast(msg any)
	SendToUser(userID string, msg any)
}

// SessionInfo describes an active session.
type SessionInfo struct {
	StationID    int64
	OccupantID   string
	SessionLogID int64
	StartedAt    time.Time
	ExpiresAt    time.Time
}

// QueueEntry is one waiter in a station's FIFO queue.
type QueueEntry struct {
	UserID     string
	EnqueuedAt time.Time
}

// stationState is the per-station critical section: occupancy, the expiry
// timer, and the waiter queue all mutate under one lock so transitions and
// promotions are atomic. Unrelated stations never block each other.
type stationState struct {
	mu           sync.Mutex
	occupant     string // "" when available
	sessionLogID int64
	startedAt    time.Time
	timer        *time.Timer
	timerGen     uint64 // invalidates stale expiry callbacks
	queue        []QueueEntry
}

// Sessions is the per-station occupancy state machine plus the queue
// manager. Occupancy mutations go through the store so the persisted copy
// stays authoritative; queues are in-memory only.
type Sessions struct {
	log      zerolog.Logger
	store    Store
	notify   Notifier
	duration time.Duration
	now      func() time.Time

	mu       sync.Mutex
	stations map[int64]*stationState
}

// NewSessions creates the session state machine. duration <= 0 falls back
// to DefaultSessionDuration.
func NewSessions(log zerolog.Logger, store Store, notify Notifier, duration time.Duration) *Sessions {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	return &Sessions{
		log:      log.With().Str("component", "sessions").Logger(),
		store:    store,
		notify:   notify,
		duration: duration,
		now:      time.Now,
		stations: make(map[int64]*stationState),
	}
}

// state returns the per-station critical section, creating it lazily.
func (s *Sessions) state(stationID int64) *stationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[stationID]
	if !ok {
		st = &stationState{}
		s.stations[stationID] = st
	}
	return st
}

// Restore rebuilds in-memory occupancy from the persisted station records.
// The expiry timer is re-armed with whatever is left of the original time
// box; a session that already ran out while the process was down is
// released on the spot. The open session log is reattached so it still gets
// closed. Queues start empty. Called once at startup.
func (s *Sessions) Restore(ctx context.Context) error {
	stations, err := s.store.ListStations(ctx)
	if err != nil {
		return err
	}
	for _, station := range stations {
		if !station.Occupied() {
			continue
		}
		st := s.state(station.ID)
		st.mu.Lock()
		st.occupant = *station.OccupantID
		if station.SessionStart != nil {
			st.startedAt = *station.SessionStart
		} else {
			st.startedAt = s.now()
		}
		logID, err := s.store.OpenSessionLog(ctx, station.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("station", station.ID).Msg("failed to look up open session log")
		}
		st.sessionLogID = logID

		remaining := st.startedAt.Add(s.duration).Sub(s.now())
		if remaining <= 0 {
			occupant := st.occupant
			err := s.releaseLocked(ctx, st, station.ID)
			st.mu.Unlock()
			if err != nil {
				return err
			}
			s.log.Info().
				Int64("station", station.ID).
				Str("occupant", occupant).
				Msg("released session that expired during downtime")
			continue
		}

		s.armTimerLocked(st, station.ID, remaining)
		st.mu.Unlock()
		s.log.Info().
			Int64("station", station.ID).
			Str("occupant", st.occupant).
			Dur("remaining", remaining).
			Msg("restored occupied station")
	}
	return nil
}

// Start transitions a station from available to occupied for userID.
// Rejected with StationBusyError while occupied.
func (s *Sessions) Start(ctx context.Context, stationID int64, userID string) (*SessionInfo, error) {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.occupant != "" {
		return nil, &StationBusyError{StationID: stationID}
	}
	return s.startLocked(ctx, st, stationID, userID)
}

// startLocked performs the start transition. Caller holds st.mu and has
// verified the station is available.
func (s *Sessions) startLocked(ctx context.Context, st *stationState, stationID int64, userID string) (*SessionInfo, error) {
	if _, err := s.store.GetStation(ctx, stationID); err != nil {
		return nil, err
	}

	logID, err := s.store.CreateSessionLog(ctx, stationID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpdateStationOccupancy(ctx, stationID, &userID); err != nil {
		return nil, err
	}

	st.occupant = userID
	st.sessionLogID = logID
	st.startedAt = s.now()
	s.armTimerLocked(st, stationID, s.duration)

	info := &SessionInfo{
		StationID:    stationID,
		OccupantID:   userID,
		SessionLogID: logID,
		StartedAt:    st.startedAt,
		ExpiresAt:    st.startedAt.Add(s.duration),
	}
	s.log.Info().
		Int64("station", stationID).
		Str("occupant", userID).
		Time("expires_at", info.ExpiresAt).
		Msg("session started")
	return info, nil
}

// armTimerLocked cancels any stale expiry timer from a previous occupancy
// and arms a new one firing after d. Caller holds st.mu.
func (s *Sessions) armTimerLocked(st *stationState, stationID int64, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerGen++
	gen := st.timerGen
	st.timer = time.AfterFunc(d, func() {
		s.expire(stationID, gen)
	})
}

// End transitions a station back to available. Only the current occupant
// may end their own session.
func (s *Sessions) End(ctx context.Context, stationID int64, userID string) error {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.occupant == "" || st.occupant != userID {
		return &NotAuthorizedError{StationID: stationID, UserID: userID}
	}
	return s.releaseLocked(ctx, st, stationID)
}

// expire fires when a session reaches its time box with no explicit end.
// A stale callback from a superseded timer is a no-op.
func (s *Sessions) expire(stationID int64, gen uint64) {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.timerGen != gen || st.occupant == "" {
		return
	}
	s.log.Info().Int64("station", stationID).Str("occupant", st.occupant).Msg("session expired")
	if err := s.releaseLocked(context.Background(), st, stationID); err != nil {
		s.log.Error().Err(err).Int64("station", stationID).Msg("expiry cleanup failed")
	}
}

// releaseLocked performs the cleanup shared by explicit end and expiry:
// close the session log, return the station to available, notify viewers,
// and promote the head of the queue. Caller holds st.mu.
func (s *Sessions) releaseLocked(ctx context.Context, st *stationState, stationID int64) error {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++

	if st.sessionLogID != 0 {
		if err := s.store.CloseSessionLog(ctx, st.sessionLogID, s.now()); err != nil {
			s.log.Error().Err(err).Int64("session_log", st.sessionLogID).Msg("failed to close session log")
		}
	}
	if _, err := s.store.UpdateStationOccupancy(ctx, stationID, nil); err != nil {
		return err
	}

	ended := st.occupant
	st.occupant = ""
	st.sessionLogID = 0
	st.startedAt = time.Time{}

	s.log.Info().Int64("station", stationID).Str("occupant", ended).Msg("session ended")
	s.notify.Broadcast(protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		StationID: stationID,
	})

	// Promote the head of the queue atomically with the free transition so
	// no direct start request can race in between.
	s.promoteLocked(ctx, st, stationID)
	return nil
}

// AssertOccupant is the single admission guard used by the command router
// and the end transition. Returns the open session-log id on success.
func (s *Sessions) AssertOccupant(stationID int64, userID string) (int64, error) {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.occupant == "" || st.occupant != userID {
		return 0, &NotAuthorizedError{StationID: stationID, UserID: userID}
	}
	return st.sessionLogID, nil
}

// Occupant returns the current occupant of a station, or "".
func (s *Sessions) Occupant(stationID int64) string {
	st := s.state(stationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.occupant
}

// IncrementCommandCount records one successfully routed command on the
// session log.
func (s *Sessions) IncrementCommandCount(ctx context.Context, sessionLogID int64) {
	if sessionLogID == 0 {
		return
	}
	if err := s.store.IncrementCommandCount(ctx, sessionLogID); err != nil {
		s.log.Error().Err(err).Int64("session_log", sessionLogID).Msg("failed to increment command count")
	}
}
