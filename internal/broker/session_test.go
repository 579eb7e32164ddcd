package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory Store used by the state-machine tests.
type memStore struct {
	mu       sync.Mutex
	stations map[int64]*Station
	logs     map[int64]*memSessionLog
	nextLog  int64
	avg      time.Duration
}

type memSessionLog struct {
	stationID int64
	userID    string
	commands  int
	started   time.Time
	ended     *time.Time
}

func newMemStore(stationIDs ...int64) *memStore {
	m := &memStore{
		stations: make(map[int64]*Station),
		logs:     make(map[int64]*memSessionLog),
	}
	for _, id := range stationIDs {
		m.stations[id] = &Station{ID: id, Name: "station", DeviceID: "RPI1", Status: StationAvailable}
	}
	return m
}

func (m *memStore) GetStation(_ context.Context, id int64) (*Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stations[id]
	if !ok {
		return nil, ErrStationNotFound
	}
	copied := *st
	return &copied, nil
}

func (m *memStore) ListStations(context.Context) ([]Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Station
	for _, st := range m.stations {
		out = append(out, *st)
	}
	return out, nil
}

func (m *memStore) CreateStation(_ context.Context, name, deviceID string) (*Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.stations) + 1)
	m.stations[id] = &Station{ID: id, Name: name, DeviceID: deviceID, Status: StationAvailable}
	copied := *m.stations[id]
	return &copied, nil
}

func (m *memStore) UpdateStation(_ context.Context, id int64, name, deviceID string) (*Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stations[id]
	if !ok {
		return nil, ErrStationNotFound
	}
	st.Name, st.DeviceID = name, deviceID
	copied := *st
	return &copied, nil
}

func (m *memStore) DeleteStation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stations[id]; !ok {
		return ErrStationNotFound
	}
	delete(m.stations, id)
	return nil
}

func (m *memStore) UpdateStationOccupancy(_ context.Context, id int64, occupantID *string) (*Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stations[id]
	if !ok {
		return nil, ErrStationNotFound
	}
	if occupantID == nil {
		st.Status = StationAvailable
		st.OccupantID = nil
		st.SessionStart = nil
	} else {
		now := time.Now()
		st.Status = StationOccupied
		st.OccupantID = occupantID
		st.SessionStart = &now
	}
	copied := *st
	return &copied, nil
}

func (m *memStore) CreateSessionLog(_ context.Context, stationID int64, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	m.logs[m.nextLog] = &memSessionLog{stationID: stationID, userID: userID, started: time.Now()}
	return m.nextLog, nil
}

func (m *memStore) CloseSessionLog(_ context.Context, id int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok && log.ended == nil {
		log.ended = &end
	}
	return nil
}

func (m *memStore) IncrementCommandCount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		log.commands++
	}
	return nil
}

func (m *memStore) OpenSessionLog(_ context.Context, stationID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest int64
	for id, log := range m.logs {
		if log.stationID == stationID && log.ended == nil && id > newest {
			newest = id
		}
	}
	return newest, nil
}

func (m *memStore) AverageSessionDuration(context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avg, nil
}

func (m *memStore) commandCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		return log.commands
	}
	return 0
}

// fakeNotifier records session and queue notifications.
type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts []any
	perUser    map[string][]any
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{perUser: make(map[string][]any)}
}

func (f *fakeNotifier) Broadcast(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeNotifier) SendToUser(userID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perUser[userID] = append(f.perUser[userID], msg)
}

func (f *fakeNotifier) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeNotifier) userMessages(userID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any{}, f.perUser[userID]...)
}

func newTestSessions(store Store, notify Notifier, duration time.Duration) *Sessions {
	return NewSessions(zerolog.Nop(), store, notify, duration)
}

func TestStartOccupiesStation(t *testing.T) {
	store := newMemStore(1)
	sessions := newTestSessions(store, newFakeNotifier(), time.Minute)

	info, err := sessions.Start(context.Background(), 1, "alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if info.OccupantID != "alice" {
		t.Errorf("occupant = %q, want alice", info.OccupantID)
	}
	if got := sessions.Occupant(1); got != "alice" {
		t.Errorf("Occupant(1) = %q, want alice", got)
	}

	station, err := store.GetStation(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetStation failed: %v", err)
	}
	if !station.Occupied() {
		t.Errorf("station status = %q occupant = %v, want occupied by alice", station.Status, station.OccupantID)
	}
}

func TestStartWhileOccupiedReturnsStationBusy(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)

	if _, err := sessions.Start(context.Background(), 1, "alice"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}

	_, err := sessions.Start(context.Background(), 1, "bob")
	var busy *StationBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("second Start error = %v, want StationBusyError", err)
	}
}

func TestStartUnknownStation(t *testing.T) {
	sessions := newTestSessions(newMemStore(), newFakeNotifier(), time.Minute)

	if _, err := sessions.Start(context.Background(), 42, "alice"); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("Start error = %v, want ErrStationNotFound", err)
	}
}

func TestEndByNonOccupantReturnsNotAuthorized(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)

	if _, err := sessions.Start(context.Background(), 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := sessions.End(context.Background(), 1, "mallory")
	var unauthed *NotAuthorizedError
	if !errors.As(err, &unauthed) {
		t.Fatalf("End error = %v, want NotAuthorizedError", err)
	}
	if got := sessions.Occupant(1); got != "alice" {
		t.Errorf("occupant after rejected end = %q, want alice", got)
	}
}

func TestEndReleasesStationAndClosesLog(t *testing.T) {
	store := newMemStore(1)
	notify := newFakeNotifier()
	sessions := newTestSessions(store, notify, time.Minute)

	info, err := sessions.Start(context.Background(), 1, "alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sessions.End(context.Background(), 1, "alice"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if got := sessions.Occupant(1); got != "" {
		t.Errorf("occupant after end = %q, want empty", got)
	}
	station, _ := store.GetStation(context.Background(), 1)
	if station.Occupied() {
		t.Error("station still occupied in store after end")
	}
	store.mu.Lock()
	log := store.logs[info.SessionLogID]
	store.mu.Unlock()
	if log.ended == nil {
		t.Error("session log not closed after end")
	}
	if notify.broadcastCount() == 0 {
		t.Error("no session_ended broadcast after end")
	}
}

func TestEndPromotesHeadOfQueue(t *testing.T) {
	store := newMemStore(1)
	notify := newFakeNotifier()
	sessions := newTestSessions(store, notify, time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pos, _, err := sessions.Join(ctx, 1, "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if pos != 1 {
		t.Fatalf("bob position = %d, want 1", pos)
	}

	if err := sessions.End(ctx, 1, "alice"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if got := sessions.Occupant(1); got != "bob" {
		t.Fatalf("occupant after promotion = %q, want bob", got)
	}
	if sessions.QueueLength(1) != 0 {
		t.Errorf("queue length after promotion = %d, want 0", sessions.QueueLength(1))
	}
	if len(notify.userMessages("bob")) == 0 {
		t.Error("bob received no session_started notification")
	}
}

func TestConcurrentStartsProduceSingleOccupant(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)

	const n = 20
	var (
		wg        sync.WaitGroup
		successMu sync.Mutex
		successes []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i))
			if _, err := sessions.Start(context.Background(), 1, user); err == nil {
				successMu.Lock()
				successes = append(successes, user)
				successMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(successes) != 1 {
		t.Fatalf("got %d successful starts, want exactly 1", len(successes))
	}
	if got := sessions.Occupant(1); got != successes[0] {
		t.Errorf("occupant = %q, want %q", got, successes[0])
	}
}

func TestExpiryFreesStationAndPromotes(t *testing.T) {
	store := newMemStore(1)
	notify := newFakeNotifier()
	sessions := newTestSessions(store, notify, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, _, err := sessions.Join(ctx, 1, "bob"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions.Occupant(1) == "bob" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sessions.Occupant(1); got != "bob" {
		t.Fatalf("occupant after expiry = %q, want bob promoted", got)
	}
	if notify.broadcastCount() == 0 {
		t.Error("no session_ended broadcast after expiry")
	}
}

func TestStaleExpiryTimerDoesNotFreeNewSession(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := sessions.state(1)
	st.mu.Lock()
	staleGen := st.timerGen
	st.mu.Unlock()

	if err := sessions.End(ctx, 1, "alice"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := sessions.Start(ctx, 1, "bob"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	// Simulate alice's original timer firing late.
	sessions.expire(1, staleGen)

	if got := sessions.Occupant(1); got != "bob" {
		t.Errorf("occupant after stale expiry = %q, want bob", got)
	}
}

func TestAssertOccupant(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)

	info, err := sessions.Start(context.Background(), 1, "alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	logID, err := sessions.AssertOccupant(1, "alice")
	if err != nil {
		t.Fatalf("AssertOccupant for occupant failed: %v", err)
	}
	if logID != info.SessionLogID {
		t.Errorf("session log id = %d, want %d", logID, info.SessionLogID)
	}

	var unauthed *NotAuthorizedError
	if _, err := sessions.AssertOccupant(1, "bob"); !errors.As(err, &unauthed) {
		t.Errorf("AssertOccupant for non-occupant = %v, want NotAuthorizedError", err)
	}
}

func TestRestoreRebuildsOccupancy(t *testing.T) {
	store := newMemStore(1, 2)
	occupant := "alice"
	if _, err := store.UpdateStationOccupancy(context.Background(), 1, &occupant); err != nil {
		t.Fatalf("seed occupancy failed: %v", err)
	}

	sessions := newTestSessions(store, newFakeNotifier(), time.Minute)
	if err := sessions.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if got := sessions.Occupant(1); got != "alice" {
		t.Errorf("restored occupant = %q, want alice", got)
	}
	if got := sessions.Occupant(2); got != "" {
		t.Errorf("station 2 occupant = %q, want empty", got)
	}
}

// seedOccupancy marks a station occupied with a session start in the past,
// as if the process had been down since then.
func seedOccupancy(t *testing.T, store *memStore, stationID int64, userID string, startedAt time.Time) {
	t.Helper()
	if _, err := store.UpdateStationOccupancy(context.Background(), stationID, &userID); err != nil {
		t.Fatalf("seed occupancy failed: %v", err)
	}
	store.mu.Lock()
	store.stations[stationID].SessionStart = &startedAt
	store.mu.Unlock()
}

func TestRestoreReleasesSessionExpiredDuringDowntime(t *testing.T) {
	store := newMemStore(1)
	notify := newFakeNotifier()
	ctx := context.Background()

	seedOccupancy(t, store, 1, "alice", time.Now().Add(-10*time.Minute))
	logID, err := store.CreateSessionLog(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("CreateSessionLog failed: %v", err)
	}

	sessions := newTestSessions(store, notify, 200*time.Millisecond)
	if err := sessions.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if got := sessions.Occupant(1); got != "" {
		t.Fatalf("occupant = %q after restoring a session whose time box already ran out", got)
	}
	station, err := store.GetStation(ctx, 1)
	if err != nil {
		t.Fatalf("GetStation failed: %v", err)
	}
	if station.Occupied() {
		t.Error("station still occupied in store after restore released the expired session")
	}
	store.mu.Lock()
	log := store.logs[logID]
	store.mu.Unlock()
	if log.ended == nil {
		t.Error("open session log not closed when the expired session was released")
	}
	if notify.broadcastCount() == 0 {
		t.Error("no session_ended broadcast when the expired session was released")
	}
}

func TestRestoreArmsOnlyRemainingSessionTime(t *testing.T) {
	store := newMemStore(1)
	// 100ms left of a one-minute time box; a timer re-armed for the full
	// duration would not fire within this test.
	seedOccupancy(t, store, 1, "alice", time.Now().Add(-time.Minute+100*time.Millisecond))

	sessions := newTestSessions(store, newFakeNotifier(), time.Minute)
	if err := sessions.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := sessions.Occupant(1); got != "alice" {
		t.Fatalf("occupant right after restore = %q, want alice", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sessions.Occupant(1) == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restored session did not expire at its original deadline; timer was armed for a full duration")
}

func TestRestoreReattachesOpenSessionLog(t *testing.T) {
	store := newMemStore(1)
	ctx := context.Background()

	seedOccupancy(t, store, 1, "alice", time.Now())
	logID, err := store.CreateSessionLog(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("CreateSessionLog failed: %v", err)
	}

	sessions := newTestSessions(store, newFakeNotifier(), time.Minute)
	if err := sessions.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := sessions.End(ctx, 1, "alice"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	store.mu.Lock()
	log := store.logs[logID]
	store.mu.Unlock()
	if log.ended == nil {
		t.Error("session log from before the restart left open after explicit end")
	}
}
