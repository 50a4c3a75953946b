package privstate

import (
	"context"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	rec, err := LoadRecord(ctx, store, "alice")
	if err != nil {
		t.Fatalf("LoadRecord on empty store failed: %v", err)
	}
	if len(rec.PinHashes) != 0 || len(rec.PendingTransferAmounts) != 0 {
		t.Fatal("expected empty record for missing key")
	}

	rec.PinHashes["alice"] = []byte{1, 2, 3}
	rec.PendingTransferAmounts["auth-1"] = 1500
	if err := SaveRecord(ctx, store, "alice", rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	loaded, err := LoadRecord(ctx, store, "alice")
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if loaded.PendingTransferAmounts["auth-1"] != 1500 {
		t.Errorf("pending amount lost: %+v", loaded.PendingTransferAmounts)
	}
	if len(loaded.PinHashes["alice"]) != 3 {
		t.Errorf("pin hash lost: %+v", loaded.PinHashes)
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := NewRecord()
	rec.PinHashes["a"] = []byte{9}
	rec.PendingTransferAmounts["x"] = 1

	clone := rec.Clone()
	clone.PinHashes["a"][0] = 7
	clone.PendingTransferAmounts["x"] = 2

	if rec.PinHashes["a"][0] != 9 || rec.PendingTransferAmounts["x"] != 1 {
		t.Error("Clone shares storage with the original")
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if data, err := store.Get(ctx, "missing"); err != nil || data != nil {
		t.Fatalf("expected (nil, nil) for missing key, got (%v, %v)", data, err)
	}

	if err := store.Set(ctx, "alice/journal", []byte(`{"k":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	data, err := store.Get(ctx, "alice/journal")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"k":1}` {
		t.Errorf("unexpected data: %s", data)
	}
}
