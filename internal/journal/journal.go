// journal.go - Client-owned, capped, append-only transaction journal.
//
// The ledger contract exposes only counts and hashes; amounts and
// counterparties live here, persisted through the private-state store and
// capped at the most recent 100 entries. Appends are best effort: a failed
// write must never interrupt the banking operation that triggered it.

package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shieldedbank/internal/privstate"
)

// MaxEntries is the journal cap; the oldest entries are evicted first.
const MaxEntries = 100

// Kind classifies a journal entry.
type Kind string

const (
	KindCreate          Kind = "create"
	KindDeposit         Kind = "deposit"
	KindWithdraw        Kind = "withdraw"
	KindSentTransfer    Kind = "sent-transfer"
	KindClaimedTransfer Kind = "claimed-transfer"
	KindAuthRequest     Kind = "auth-request"
	KindAuthApprove     Kind = "auth-approve"
	KindDisclosureGrant Kind = "disclosure-grant"
)

// credit reports how the kind moves the derived balance: +1 credit,
// -1 debit, 0 neutral.
func (k Kind) credit() int64 {
	switch k {
	case KindCreate, KindDeposit, KindClaimedTransfer:
		return 1
	case KindWithdraw, KindSentTransfer:
		return -1
	}
	return 0
}

// Delta is the signed balance movement an entry of kind k and the given
// amount causes.
func Delta(k Kind, amount uint64) int64 {
	return k.credit() * int64(amount)
}

// Entry is one audit record. Amounts are in cents. Entries are never
// mutated after append.
type Entry struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Amount       uint64    `json:"amount,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	Timestamp    time.Time `json:"timestamp"`
	Counterparty string    `json:"counterparty,omitempty"`
	MaxAmount    uint64    `json:"max_amount,omitempty"`
}

// Journal maintains the capped audit trail for one account key. The
// in-memory cache mirrors the last successfully persisted list so that
// synchronous derivation paths can read without awaiting the store.
type Journal struct {
	store privstate.Store
	key   string
	log   zerolog.Logger

	mu    sync.Mutex
	cache []Entry
}

// New returns a journal persisting under key. The cache is seeded from the
// store; a failed initial read leaves it empty and is logged only.
func New(ctx context.Context, store privstate.Store, key string, log zerolog.Logger) *Journal {
	j := &Journal{store: store, key: key, log: log}
	entries, err := j.ReadAll(ctx)
	if err != nil {
		j.log.Warn().Err(err).Str("key", key).Msg("journal cache seed failed")
		return j
	}
	j.cache = entries
	return j
}

// Append records an entry, trimming to the most recent MaxEntries. Missing
// ID and Timestamp fields are filled in. Failures are swallowed after
// logging; the previous cache is kept.
func (j *Journal) Append(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(ctx)
	if err != nil {
		j.log.Warn().Err(err).Str("key", j.key).Msg("journal read failed, keeping cache")
		return
	}
	entries = append(entries, e)
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	if err := j.persist(ctx, entries); err != nil {
		j.log.Warn().Err(err).Str("key", j.key).Msg("journal append failed, keeping cache")
		return
	}
	j.cache = entries
}

// ReadAll returns the persisted list, or an empty list when none exists.
func (j *Journal) ReadAll(ctx context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load(ctx)
}

// CachedSync returns a copy of the last successfully loaded snapshot, for
// use inside synchronous derivation paths that cannot await the store.
func (j *Journal) CachedSync() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.cache))
	copy(out, j.cache)
	return out
}

// ReplayBalance derives the account balance in cents from the cached
// entries: create, deposit and claimed-transfer credit; withdraw and
// sent-transfer debit.
func (j *Journal) ReplayBalance() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	var balance int64
	for _, e := range j.cache {
		balance += e.Kind.credit() * int64(e.Amount)
	}
	return balance
}

func (j *Journal) load(ctx context.Context) ([]Entry, error) {
	data, err := j.store.Get(ctx, j.key)
	if err != nil {
		return nil, fmt.Errorf("journal load: %w", err)
	}
	if data == nil {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("journal decode: %w", err)
	}
	return entries, nil
}

func (j *Journal) persist(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("journal encode: %w", err)
	}
	if err := j.store.Set(ctx, j.key, data); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	return nil
}
