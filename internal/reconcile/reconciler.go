// reconciler.go - Derived account view from three independent sources.
//
// The reconciler folds the contract's public state stream, the private-state
// stream, and the locally authored pending-action stream into a single live
// AccountView, republished to all subscribers on every change. A single
// consumer goroutine owns all caches; no other goroutine touches them.
//
// The combined stream never terminates with an error: a broken upstream
// subscription is retried after a fixed delay, indefinitely.

package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
	"shieldedbank/internal/privstate"
)

// DefaultRetryDelay is how long the reconciler waits before resubscribing
// to a failed contract state stream.
const DefaultRetryDelay = time.Second

// AccountView is the derived, read-only account state. It is rebuilt on
// every contract-state or private-state change and never persisted.
type AccountView struct {
	Exists                 bool
	OwnerHash              []byte
	Status                 contract.AccountStatus
	TransactionCount       uint64
	LastTransactionHash    []byte
	SelfIdentityHash       []byte
	// Balance is nil until the owning identity has authenticated at least
	// once in the session; afterwards it is the journal-replayed balance
	// in cents.
	Balance                *int64
	PendingAction          string
	PendingCancelledAction string
}

// BalanceSource derives the private balance synchronously; the journal's
// cached replay satisfies it.
type BalanceSource interface {
	ReplayBalance() int64
}

// actionEvent is one emission of the locally authored pending-action
// stream: exactly one field is set.
type actionEvent struct {
	started   string
	cancelled string
}

// Reconciler merges the three source streams into one view stream.
type Reconciler struct {
	log        zerolog.Logger
	source     contract.StateSource
	address    string
	self       identity.Fixed
	selfHash   []byte
	balance    BalanceSource
	retryDelay time.Duration

	snapshotCh chan *contract.Snapshot
	privateCh  chan privstate.Record
	actionCh   chan actionEvent
	authCh     chan struct{}

	mu          sync.Mutex
	current     AccountView
	subscribers map[int]chan AccountView
	nextSub     int

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a reconciler for one identity. Call Start before use.
func New(source contract.StateSource, address string, self identity.Fixed, balance BalanceSource, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		log:         log,
		source:      source,
		address:     address,
		self:        self,
		selfHash:    identity.Hash(self[:]),
		balance:     balance,
		retryDelay:  DefaultRetryDelay,
		snapshotCh:  make(chan *contract.Snapshot, 1),
		privateCh:   make(chan privstate.Record, 4),
		actionCh:    make(chan actionEvent, 8),
		authCh:      make(chan struct{}, 1),
		subscribers: make(map[int]chan AccountView),
	}
}

// SetRetryDelay overrides the resubscribe delay. Test hook.
func (r *Reconciler) SetRetryDelay(d time.Duration) { r.retryDelay = d }

// Start launches the stream subscription and the consumer goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.subscribeLoop(ctx)
	go r.consume(ctx)
}

// Close stops both goroutines and waits for the consumer to exit.
func (r *Reconciler) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Subscribe registers a view listener. The channel delivers the latest view
// only; intermediate views may be dropped for slow consumers. The returned
// func cancels the subscription.
func (r *Reconciler) Subscribe() (<-chan AccountView, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan AccountView, 1)
	ch <- r.current
	r.subscribers[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// Current returns the last derived view.
func (r *Reconciler) Current() AccountView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// NoteStarted emits a pending-action event for an operation that just
// began.
func (r *Reconciler) NoteStarted(kind string) {
	r.actionCh <- actionEvent{started: kind}
}

// NoteCancelled emits a cancelled-action event for an operation that failed
// before confirmation.
func (r *Reconciler) NoteCancelled(kind string) {
	r.actionCh <- actionEvent{cancelled: kind}
}

// PublishPrivate re-emits the private state, forcing subscribers to refresh
// after a mutating call instead of waiting for the next ledger push.
func (r *Reconciler) PublishPrivate(rec privstate.Record) {
	r.privateCh <- rec.Clone()
}

// MarkAuthenticated unlocks the derived balance for this session.
func (r *Reconciler) MarkAuthenticated() {
	select {
	case r.authCh <- struct{}{}:
	default:
	}
}

// subscribeLoop keeps one live StreamState subscription, resubscribing
// after retryDelay whenever it fails.
func (r *Reconciler) subscribeLoop(ctx context.Context) {
	for {
		snapCh, errCh, err := r.source.StreamState(ctx, r.address)
		if err != nil {
			r.log.Warn().Err(err).Msg("state stream subscribe failed, retrying")
			if !sleep(ctx, r.retryDelay) {
				return
			}
			continue
		}
	inner:
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapCh:
				if !ok {
					break inner
				}
				select {
				case r.snapshotCh <- snap:
				case <-ctx.Done():
					return
				}
			case err := <-errCh:
				r.log.Warn().Err(err).Msg("state stream broke, resubscribing")
				break inner
			}
		}
		if !sleep(ctx, r.retryDelay) {
			return
		}
	}
}

// consume is the single owner of all derivation state.
func (r *Reconciler) consume(ctx context.Context) {
	defer close(r.done)

	var (
		lastSnapshot  *contract.Snapshot
		authenticated bool
		pending       string
		cancelled     string
	)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-r.snapshotCh:
			lastSnapshot = snap
		case <-r.privateCh:
			// The private record itself carries no view fields directly;
			// its emission forces a re-derivation so the replayed balance
			// and pending bookkeeping are re-read.
		case ev := <-r.actionCh:
			if ev.started != "" {
				pending = ev.started
				cancelled = ""
			}
			if ev.cancelled != "" {
				cancelled = ev.cancelled
				pending = ""
			}
		case <-r.authCh:
			authenticated = true
		}
		r.publish(r.derive(lastSnapshot, authenticated, pending, cancelled))
	}
}

// derive recomputes the combined view, folding over the previous one:
// fields a source did not provide fall back to their last known value.
func (r *Reconciler) derive(snap *contract.Snapshot, authenticated bool, pending, cancelled string) AccountView {
	r.mu.Lock()
	view := r.current
	r.mu.Unlock()

	if snap != nil {
		rec, ok := snap.AllAccounts[r.self]
		view.Exists = ok
		if ok {
			view.OwnerHash = rec.OwnerHash
			view.Status = rec.Status
			view.TransactionCount = rec.TransactionCount
			view.LastTransactionHash = rec.LastTransactionHash
		}
	}
	view.SelfIdentityHash = r.selfHash
	if authenticated {
		bal := r.balance.ReplayBalance()
		view.Balance = &bal
	} else {
		view.Balance = nil
	}
	view.PendingAction = pending
	view.PendingCancelledAction = cancelled
	return view
}

func (r *Reconciler) publish(view AccountView) {
	r.mu.Lock()
	r.current = view
	for _, ch := range r.subscribers {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
	r.mu.Unlock()
}

// sleep waits for d unless the context ends first; it reports whether the
// context is still alive.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
