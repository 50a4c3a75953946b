// engine.go - The client banking engine for one identity.
//
// The engine owns the identity codec, the detailed journal, the state
// reconciler, and the authorization/disclosure protocol, and orchestrates
// every operation the same way: normalize identifiers, emit a pending
// action, submit the contract call, then on success append the audit entry
// and re-emit private state so subscribers refresh immediately.
//
// There is no cross-operation mutex: the ledger contract is the sole
// serialization point for conflicting mutations, and the reconciler simply
// reflects whichever state it reads next.

package bank

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"shieldedbank/internal/authorize"
	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
	"shieldedbank/internal/journal"
	"shieldedbank/internal/privstate"
	"shieldedbank/internal/reconcile"
)

// Config assembles an engine's collaborators.
type Config struct {
	UserID          string
	ContractAddress string
	Circuits        contract.Circuits
	Source          contract.StateSource
	Store           privstate.Store
	Logger          zerolog.Logger
}

// Engine is the account state and protocol engine for one identity.
type Engine struct {
	log      zerolog.Logger
	circuits contract.Circuits
	source   contract.StateSource
	store    privstate.Store
	journal  *journal.Journal
	rec      *reconcile.Reconciler
	proto    *authorize.Protocol

	id       string
	fixed    identity.Fixed
	address  string
	stateKey string

	mu     sync.Mutex
	record privstate.Record
}

// New builds an engine. The private record and journal cache are seeded
// from the store. Call Start before subscribing to the account view.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.Circuits == nil || cfg.Source == nil || cfg.Store == nil {
		return nil, errors.New("contract and store collaborators are required")
	}
	id := identity.Normalize(cfg.UserID)
	log := cfg.Logger.With().Str("user", id).Logger()

	e := &Engine{
		log:      log,
		circuits: cfg.Circuits,
		source:   cfg.Source,
		store:    cfg.Store,
		id:       id,
		fixed:    identity.ToFixedBytes(id),
		address:  cfg.ContractAddress,
		stateKey: id + "/state",
	}
	rec, err := privstate.LoadRecord(ctx, cfg.Store, e.stateKey)
	if err != nil {
		return nil, err
	}
	e.record = rec
	e.journal = journal.New(ctx, cfg.Store, id+"/journal", log)
	e.rec = reconcile.New(cfg.Source, cfg.ContractAddress, e.fixed, e.journal, log)
	e.proto = authorize.New(cfg.Circuits, cfg.Source, cfg.ContractAddress, id, log)
	return e, nil
}

// Start launches the reconciler and seeds the private-state stream with
// the one-time initial read.
func (e *Engine) Start(ctx context.Context) {
	e.rec.Start(ctx)
	e.mu.Lock()
	rec := e.record.Clone()
	e.mu.Unlock()
	e.rec.PublishPrivate(rec)
}

// Close stops the reconciler.
func (e *Engine) Close() {
	e.rec.Close()
}

// WatchAccount subscribes to the live account view stream. The stream
// never terminates with an error; cancel with the returned func.
func (e *Engine) WatchAccount() (<-chan reconcile.AccountView, func()) {
	return e.rec.Subscribe()
}

// CurrentView returns the last derived account view.
func (e *Engine) CurrentView() reconcile.AccountView {
	return e.rec.Current()
}

// DetailedTransactionHistory returns the client-owned audit log, newest
// entry last.
func (e *Engine) DetailedTransactionHistory(ctx context.Context) ([]journal.Entry, error) {
	return e.journal.ReadAll(ctx)
}

// CachedTransactionHistory returns the journal's in-memory snapshot
// without touching the store.
func (e *Engine) CachedTransactionHistory() []journal.Entry {
	return e.journal.CachedSync()
}

// pin derives the fixed-width PIN hash for a contract call.
func (e *Engine) pin(pin string) identity.Fixed {
	return identity.HashPIN(e.id, pin)
}

// mutate wraps a contract call with the pending/cancelled action protocol:
// a pending action is emitted before the call, and a matching cancelled
// action before any error is returned, so the derived view never shows a
// phantom in-flight transaction.
func (e *Engine) mutate(ctx context.Context, kind journal.Kind, call func(context.Context) (contract.Receipt, error)) (contract.Receipt, error) {
	e.rec.NoteStarted(string(kind))
	rcpt, err := call(ctx)
	if err != nil {
		e.rec.NoteCancelled(string(kind))
		return contract.Receipt{}, err
	}
	return rcpt, nil
}

// settle records the audit entry for a confirmed operation and forces a
// private-state re-emit. Both halves are best effort and never fail the
// operation.
func (e *Engine) settle(ctx context.Context, entry journal.Entry) {
	entry.BalanceAfter = e.journal.ReplayBalance() + journal.Delta(entry.Kind, entry.Amount)
	e.journal.Append(ctx, entry)
	e.refreshPrivate(ctx)
}

// refreshPrivate proactively re-reads private state and re-emits it, so
// subscribers refresh instead of waiting for the next passive ledger push.
func (e *Engine) refreshPrivate(ctx context.Context) {
	rec, err := privstate.LoadRecord(ctx, e.store, e.stateKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("private-state refresh failed")
		e.mu.Lock()
		rec = e.record.Clone()
		e.mu.Unlock()
	} else {
		e.mu.Lock()
		e.record = rec.Clone()
		e.mu.Unlock()
	}
	e.rec.PublishPrivate(rec)
}

// saveRecord persists a mutation of the private record. Best effort: the
// previous in-memory record is kept on failure.
func (e *Engine) saveRecord(ctx context.Context, mutate func(*privstate.Record)) {
	e.mu.Lock()
	rec := e.record.Clone()
	mutate(&rec)
	if err := privstate.SaveRecord(ctx, e.store, e.stateKey, rec); err != nil {
		e.mu.Unlock()
		e.log.Warn().Err(err).Msg("private-state write failed")
		return
	}
	e.record = rec
	e.mu.Unlock()
}

// markAuthenticated records the session's PIN hash and unlocks the derived
// balance.
func (e *Engine) markAuthenticated(ctx context.Context, pinHash identity.Fixed) {
	e.saveRecord(ctx, func(rec *privstate.Record) {
		rec.PinHashes[e.id] = append([]byte(nil), pinHash[:]...)
	})
	e.rec.MarkAuthenticated()
}
