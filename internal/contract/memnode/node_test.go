package memnode

import (
	"context"
	"errors"
	"testing"
	"time"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

func deployed(t *testing.T) (*Node, string) {
	t.Helper()
	n := New()
	addr, err := n.DeployContract(context.Background())
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	return n, addr
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	n, addr := deployed(t)
	alice := identity.ToFixedBytes("alice")
	pin := identity.HashPIN("alice", "1234")

	if _, err := n.CreateAccount(ctx, alice, pin, 5000); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := n.CreateAccount(ctx, alice, pin, 5000); err == nil {
		t.Error("duplicate CreateAccount should fail")
	}

	if _, err := n.Deposit(ctx, alice, identity.HashPIN("alice", "wrong"), 100); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected authentication error, got %v", err)
	}

	if _, err := n.Deposit(ctx, alice, pin, 2500); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := n.Withdraw(ctx, alice, pin, 1000); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if _, err := n.Withdraw(ctx, alice, pin, 1_000_000); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected insufficient balance, got %v", err)
	}

	bal, err := n.GetTokenBalance(ctx, alice, pin)
	if err != nil {
		t.Fatalf("GetTokenBalance failed: %v", err)
	}
	if bal != 6500 {
		t.Errorf("expected balance 6500, got %d", bal)
	}

	snap, err := n.QueryState(ctx, addr)
	if err != nil {
		t.Fatalf("QueryState failed: %v", err)
	}
	rec, ok := snap.AllAccounts[alice]
	if !ok {
		t.Fatal("account missing from snapshot")
	}
	if rec.Status != contract.StatusActive {
		t.Errorf("expected active status, got %v", rec.Status)
	}
	if rec.TransactionCount != 3 {
		t.Errorf("expected 3 transactions, got %d", rec.TransactionCount)
	}
}

func TestTransferEscrowAndClaim(t *testing.T) {
	ctx := context.Background()
	n, _ := deployed(t)
	alice, bob := identity.ToFixedBytes("alice"), identity.ToFixedBytes("bob")
	alicePin, bobPin := identity.HashPIN("alice", "1111"), identity.HashPIN("bob", "2222")
	n.CreateAccount(ctx, alice, alicePin, 5000)
	n.CreateAccount(ctx, bob, bobPin, 0)

	// Sending without authorization fails contract-side.
	if _, err := n.SendToAuthorizedUser(ctx, alice, alicePin, bob, 1000); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected authorization error, got %v", err)
	}

	if _, err := n.RequestTransferAuthorization(ctx, alice, alicePin, bob); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if _, err := n.ApproveTransferAuthorization(ctx, bob, bobPin, alice, 2000); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	// Over-limit send is rejected by the contract.
	if _, err := n.SendToAuthorizedUser(ctx, alice, alicePin, bob, 2500); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected over-limit rejection, got %v", err)
	}

	if _, err := n.SendToAuthorizedUser(ctx, alice, alicePin, bob, 1500); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if bal, _ := n.GetTokenBalance(ctx, alice, alicePin); bal != 3500 {
		t.Errorf("sender balance should be 3500, got %d", bal)
	}

	// Claiming with nothing pending fails.
	if _, err := n.ClaimAuthorizedTransfer(ctx, alice, alicePin, bob); !errors.Is(err, ErrNoPendingClaim) {
		t.Errorf("expected no-pending-claim error, got %v", err)
	}

	if _, err := n.ClaimAuthorizedTransfer(ctx, bob, bobPin, alice); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if bal, _ := n.GetTokenBalance(ctx, bob, bobPin); bal != 1500 {
		t.Errorf("recipient balance should be 1500, got %d", bal)
	}

	// The escrow is consumed: a second claim fails.
	if _, err := n.ClaimAuthorizedTransfer(ctx, bob, bobPin, alice); !errors.Is(err, ErrNoPendingClaim) {
		t.Errorf("expected consumed escrow, got %v", err)
	}
}

func TestExpiredAuthorizationRejected(t *testing.T) {
	ctx := context.Background()
	n, _ := deployed(t)
	alice, bob := identity.ToFixedBytes("alice"), identity.ToFixedBytes("bob")
	alicePin, bobPin := identity.HashPIN("alice", "1111"), identity.HashPIN("bob", "2222")
	n.CreateAccount(ctx, alice, alicePin, 5000)
	n.CreateAccount(ctx, bob, bobPin, 3000)

	base := time.Now()
	n.SetClock(func() time.Time { return base })
	if _, err := n.GrantDisclosurePermission(ctx, bob, bobPin, alice, contract.PermissionThresholdDisclosure, 2000, 60); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	snap, _ := n.QueryState(ctx, mustAddr(t, n))
	var rec contract.AuthorizationRecord
	for _, r := range snap.ActiveAuthorizations {
		rec = r
	}
	if rec.IsLive(uint64(base.Unix())) != true {
		t.Error("grant should be live at issue time")
	}
	if rec.IsLive(uint64(base.Add(2 * time.Minute).Unix())) {
		t.Error("grant should be expired after its TTL")
	}
}

func TestDisclosureSharedBalanceMapping(t *testing.T) {
	ctx := context.Background()
	n, addr := deployed(t)
	bob := identity.ToFixedBytes("bob")
	bobPin := identity.HashPIN("bob", "2222")
	n.CreateAccount(ctx, bob, bobPin, 3000)

	if _, err := n.GrantDisclosurePermission(ctx, bob, bobPin, identity.ToFixedBytes("alice"), contract.PermissionExactDisclosure, 0, 0); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	snap, _ := n.QueryState(ctx, addr)
	v, ok := snap.SharedBalance(bob)
	if !ok || v != 3000 {
		t.Fatalf("shared balance lookup failed: %d %v", v, ok)
	}

	// The mapping tracks subsequent balance changes.
	n.Deposit(ctx, bob, bobPin, 500)
	snap, _ = n.QueryState(ctx, addr)
	if v, _ := snap.SharedBalance(bob); v != 3500 {
		t.Errorf("shared balance should follow deposits, got %d", v)
	}
}

func TestStreamStatePushesOnMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, addr := deployed(t)

	ch, _, err := n.StreamState(ctx, addr)
	if err != nil {
		t.Fatalf("StreamState failed: %v", err)
	}
	first := <-ch
	if len(first.AllAccounts) != 0 {
		t.Error("initial snapshot should be empty")
	}

	alice := identity.ToFixedBytes("alice")
	n.CreateAccount(ctx, alice, identity.HashPIN("alice", "1"), 100)

	select {
	case snap := <-ch:
		if _, ok := snap.AllAccounts[alice]; !ok {
			t.Error("mutation snapshot missing new account")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot pushed after mutation")
	}
}

func mustAddr(t *testing.T, n *Node) string {
	t.Helper()
	addr, err := n.DeployContract(context.Background())
	if err != nil {
		t.Fatalf("address lookup failed: %v", err)
	}
	return addr
}
