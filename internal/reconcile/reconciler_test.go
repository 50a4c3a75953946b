package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
	"shieldedbank/internal/privstate"
)

type fixedBalance struct{ v int64 }

func (f *fixedBalance) ReplayBalance() int64 { return f.v }

// flakySource fails the first n subscriptions, then serves snapshots pushed
// through push().
type flakySource struct {
	mu       sync.Mutex
	failures int
	attempts int
	ch       chan *contract.Snapshot
	errCh    chan error
}

func (s *flakySource) QueryState(context.Context, string) (*contract.Snapshot, error) {
	return nil, errors.New("not implemented")
}

func (s *flakySource) StreamState(context.Context, string) (<-chan *contract.Snapshot, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return nil, nil, errors.New("transient network interruption")
	}
	s.ch = make(chan *contract.Snapshot, 4)
	s.errCh = make(chan error, 1)
	return s.ch, s.errCh, nil
}

// push delivers a snapshot once a live subscription exists.
func (s *flakySource) push(snap *contract.Snapshot) {
	for {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch != nil {
			ch <- snap
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *flakySource) breakStream() {
	s.mu.Lock()
	s.errCh <- errors.New("stream interrupted")
	s.mu.Unlock()
}

func snapshotFor(self identity.Fixed, txCount uint64) *contract.Snapshot {
	return &contract.Snapshot{
		AllAccounts: map[identity.Fixed]contract.AccountRecord{
			self: {
				OwnerHash:        identity.Hash(self[:]),
				Status:           contract.StatusActive,
				TransactionCount: txCount,
			},
		},
	}
}

func awaitView(t *testing.T, ch <-chan AccountView, ok func(AccountView) bool) AccountView {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-ch:
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for view")
		}
	}
}

func TestDerivedViewFollowsSnapshots(t *testing.T) {
	self := identity.ToFixedBytes("alice")
	src := &flakySource{}
	bal := &fixedBalance{v: 5000}
	r := New(src, "addr", self, bal, zerolog.Nop())
	r.SetRetryDelay(10 * time.Millisecond)
	r.Start(context.Background())
	defer r.Close()

	ch, unsub := r.Subscribe()
	defer unsub()

	src.push(snapshotFor(self, 1))
	v := awaitView(t, ch, func(v AccountView) bool { return v.Exists })
	if v.Status != contract.StatusActive || v.TransactionCount != 1 {
		t.Errorf("unexpected view: %+v", v)
	}
	if v.Balance != nil {
		t.Error("balance must be nil before authentication")
	}

	r.MarkAuthenticated()
	v = awaitView(t, ch, func(v AccountView) bool { return v.Balance != nil })
	if *v.Balance != 5000 {
		t.Errorf("expected balance 5000, got %d", *v.Balance)
	}
}

func TestResubscribesAfterStreamFailure(t *testing.T) {
	self := identity.ToFixedBytes("alice")
	src := &flakySource{failures: 2}
	r := New(src, "addr", self, &fixedBalance{}, zerolog.Nop())
	r.SetRetryDelay(5 * time.Millisecond)
	r.Start(context.Background())
	defer r.Close()

	ch, unsub := r.Subscribe()
	defer unsub()

	// The first two subscriptions fail; the third serves this snapshot.
	deadline := time.After(3 * time.Second)
	for {
		src.mu.Lock()
		live := src.ch != nil
		src.mu.Unlock()
		if live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("stream never recovered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	src.push(snapshotFor(self, 3))
	awaitView(t, ch, func(v AccountView) bool { return v.TransactionCount == 3 })

	// Break the live stream; a new subscription must pick up again.
	src.breakStream()
	deadline = time.After(3 * time.Second)
	for {
		src.mu.Lock()
		attempts := src.attempts
		src.mu.Unlock()
		if attempts >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no resubscribe after stream break")
		case <-time.After(5 * time.Millisecond):
		}
	}
	src.push(snapshotFor(self, 7))
	awaitView(t, ch, func(v AccountView) bool { return v.TransactionCount == 7 })
}

func TestPendingAndCancelledActions(t *testing.T) {
	self := identity.ToFixedBytes("alice")
	src := &flakySource{}
	r := New(src, "addr", self, &fixedBalance{}, zerolog.Nop())
	r.SetRetryDelay(10 * time.Millisecond)
	r.Start(context.Background())
	defer r.Close()

	ch, unsub := r.Subscribe()
	defer unsub()

	r.NoteStarted("deposit")
	v := awaitView(t, ch, func(v AccountView) bool { return v.PendingAction == "deposit" })
	if v.PendingCancelledAction != "" {
		t.Error("cancelled action should be clear while pending")
	}

	r.NoteCancelled("deposit")
	v = awaitView(t, ch, func(v AccountView) bool { return v.PendingCancelledAction == "deposit" })
	if v.PendingAction != "" {
		t.Error("pending action should be cleared on cancellation")
	}
}

func TestPrivateEmissionRefreshesBalance(t *testing.T) {
	self := identity.ToFixedBytes("alice")
	src := &flakySource{}
	bal := &fixedBalance{v: 100}
	r := New(src, "addr", self, bal, zerolog.Nop())
	r.SetRetryDelay(10 * time.Millisecond)
	r.Start(context.Background())
	defer r.Close()

	ch, unsub := r.Subscribe()
	defer unsub()

	r.MarkAuthenticated()
	awaitView(t, ch, func(v AccountView) bool { return v.Balance != nil && *v.Balance == 100 })

	bal.v = 250
	r.PublishPrivate(privstate.NewRecord())
	awaitView(t, ch, func(v AccountView) bool { return v.Balance != nil && *v.Balance == 250 })
}

func TestSubscribeDeliversCurrentView(t *testing.T) {
	self := identity.ToFixedBytes("alice")
	r := New(&flakySource{failures: 1000}, "addr", self, &fixedBalance{}, zerolog.Nop())
	r.SetRetryDelay(time.Millisecond)
	r.Start(context.Background())
	defer r.Close()

	ch, unsub := r.Subscribe()
	defer unsub()
	select {
	case v := <-ch:
		if v.Exists {
			t.Error("initial view should be zero")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not deliver the current view")
	}
}
