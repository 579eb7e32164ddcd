package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actulab/stationhub/internal/protocol"
)

func TestJoinRequiresOccupiedStation(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)

	_, _, err := sessions.Join(context.Background(), 1, "bob")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Join on available station = %v, want ValidationError", err)
	}
}

func TestJoinRejectsDuplicateWaiter(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, _, err := sessions.Join(ctx, 1, "bob"); err != nil {
		t.Fatalf("first Join failed: %v", err)
	}

	_, _, err := sessions.Join(ctx, 1, "bob")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("duplicate Join = %v, want ValidationError", err)
	}
}

func TestJoinRejectsCurrentOccupant(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, _, err := sessions.Join(ctx, 1, "alice")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("occupant Join = %v, want ValidationError", err)
	}
}

func TestQueuePositionsStayContiguousAfterLeave(t *testing.T) {
	notify := newFakeNotifier()
	sessions := newTestSessions(newMemStore(1), notify, time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i, user := range []string{"bob", "carol", "dave"} {
		pos, _, err := sessions.Join(ctx, 1, user)
		if err != nil {
			t.Fatalf("Join(%s) failed: %v", user, err)
		}
		if pos != i+1 {
			t.Fatalf("Join(%s) position = %d, want %d", user, pos, i+1)
		}
	}

	if err := sessions.Leave(ctx, 1, "carol"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if got := sessions.QueuePosition(1, "bob"); got != 1 {
		t.Errorf("bob position = %d, want 1", got)
	}
	if got := sessions.QueuePosition(1, "dave"); got != 2 {
		t.Errorf("dave position = %d, want 2", got)
	}
	if got := sessions.QueueLength(1); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}

	// dave was told his new position
	msgs := notify.userMessages("dave")
	found := false
	for _, msg := range msgs {
		if pos, ok := msg.(protocol.QueuePosition); ok && pos.Position == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("dave never received a queue_position update, got %v", msgs)
	}
}

func TestLeaveUnknownWaiter(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := sessions.Leave(ctx, 1, "nobody")
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Leave for unknown waiter = %v, want ValidationError", err)
	}
}

func TestEstimatedWaitScalesWithPosition(t *testing.T) {
	store := newMemStore(1)
	store.avg = 2 * time.Minute
	sessions := newTestSessions(store, newFakeNotifier(), time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, wait, err := sessions.Join(ctx, 1, "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if wait != 2*time.Minute {
		t.Errorf("position 1 wait = %v, want 2m", wait)
	}

	_, wait, err = sessions.Join(ctx, 1, "carol")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if wait != 4*time.Minute {
		t.Errorf("position 2 wait = %v, want 4m", wait)
	}
}

func TestEstimatedWaitFallsBackToSessionDuration(t *testing.T) {
	sessions := newTestSessions(newMemStore(1), newFakeNotifier(), 3*time.Minute)
	ctx := context.Background()

	if _, err := sessions.Start(ctx, 1, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, wait, err := sessions.Join(ctx, 1, "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if wait != 3*time.Minute {
		t.Errorf("wait with no history = %v, want the configured 3m", wait)
	}
}
