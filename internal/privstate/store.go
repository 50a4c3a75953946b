// store.go - Private-state storage contract and the per-account record.
//
// Private state never reaches the public ledger: PIN hashes and the engine's
// own transfer bookkeeping live here. The store is the engine's only durable
// storage; everything else is derived.

package privstate

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is an opaque key/value collaborator. Get returns (nil, nil) when no
// record exists for the key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Record is the per-account private state owned exclusively by the local
// client and mutated only by this engine.
type Record struct {
	// PinHashes maps a normalized identity to its PIN hash, recorded on
	// first successful authentication in a session.
	PinHashes map[string][]byte `json:"pin_hashes"`
	// PendingTransferAmounts maps an authorization id (hex) to the amount
	// sent against it and not yet claimed by the recipient.
	PendingTransferAmounts map[string]uint64 `json:"pending_transfer_amounts"`
}

// NewRecord returns an empty record with allocated maps.
func NewRecord() Record {
	return Record{
		PinHashes:              make(map[string][]byte),
		PendingTransferAmounts: make(map[string]uint64),
	}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := NewRecord()
	for k, v := range r.PinHashes {
		h := make([]byte, len(v))
		copy(h, v)
		out.PinHashes[k] = h
	}
	for k, v := range r.PendingTransferAmounts {
		out.PendingTransferAmounts[k] = v
	}
	return out
}

// LoadRecord reads and decodes the record stored under key, returning an
// empty record when none exists yet.
func LoadRecord(ctx context.Context, store Store, key string) (Record, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("load private state: %w", err)
	}
	if data == nil {
		return NewRecord(), nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode private state: %w", err)
	}
	if rec.PinHashes == nil {
		rec.PinHashes = make(map[string][]byte)
	}
	if rec.PendingTransferAmounts == nil {
		rec.PendingTransferAmounts = make(map[string]uint64)
	}
	return rec, nil
}

// SaveRecord encodes and writes the record under key.
func SaveRecord(ctx context.Context, store Store, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode private state: %w", err)
	}
	if err := store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("save private state: %w", err)
	}
	return nil
}
