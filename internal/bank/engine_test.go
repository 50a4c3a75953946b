// engine_test.go - End-to-end engine scenario against the in-memory node.

package bank

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/contract/memnode"
	"shieldedbank/internal/journal"
	"shieldedbank/internal/privstate"
	"shieldedbank/internal/reconcile"
)

func newTestEngine(t *testing.T, ctx context.Context, node *memnode.Node, address, user string) *Engine {
	t.Helper()
	e, err := New(ctx, Config{
		UserID:          user,
		ContractAddress: address,
		Circuits:        node,
		Source:          node,
		Store:           privstate.NewMemStore(),
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New(%s): %v", user, err)
	}
	e.Start(ctx)
	t.Cleanup(e.Close)
	return e
}

// awaitBalance waits until the reconciled view reports the expected
// derived balance.
func awaitBalance(t *testing.T, e *Engine, want int64) reconcile.AccountView {
	t.Helper()
	views, cancel := e.WatchAccount()
	defer cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Balance != nil && *v.Balance == want {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for balance %d, last view %+v", want, e.CurrentView())
		}
	}
}

func lastEntry(t *testing.T, ctx context.Context, e *Engine) journal.Entry {
	t.Helper()
	entries, err := e.DetailedTransactionHistory(ctx)
	if err != nil {
		t.Fatalf("DetailedTransactionHistory: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("empty transaction history")
	}
	return entries[len(entries)-1]
}

func TestEngineLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := memnode.New()
	address, err := node.DeployContract(ctx)
	if err != nil {
		t.Fatalf("DeployContract: %v", err)
	}

	alice := newTestEngine(t, ctx, node, address, "alice")
	bob := newTestEngine(t, ctx, node, address, "bob")

	t.Run("balance hidden before authentication", func(t *testing.T) {
		if v := alice.CurrentView(); v.Balance != nil {
			t.Fatalf("expected nil balance before authentication, got %d", *v.Balance)
		}
	})

	t.Run("create and fund", func(t *testing.T) {
		if err := alice.CreateAccount(ctx, "1234", 5000); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if err := bob.CreateAccount(ctx, "5678", 1000); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		awaitBalance(t, alice, 5000)

		if err := alice.Deposit(ctx, "1234", 2500); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		awaitBalance(t, alice, 7500)

		if err := alice.Withdraw(ctx, "1234", 1000); err != nil {
			t.Fatalf("Withdraw: %v", err)
		}
		v := awaitBalance(t, alice, 6500)
		if !v.Exists {
			t.Fatal("account should exist in reconciled view")
		}
		if got := lastEntry(t, ctx, alice); got.Kind != journal.KindWithdraw || got.BalanceAfter != 6500 {
			t.Fatalf("last entry = %+v, want withdraw with balance 6500", got)
		}
		if b, err := alice.ContractBalance(ctx, "1234"); err != nil || b != 6500 {
			t.Fatalf("ContractBalance = %d, %v, want 6500", b, err)
		}
	})

	t.Run("wrong pin rejected", func(t *testing.T) {
		if err := alice.Deposit(ctx, "0000", 100); err == nil {
			t.Fatal("deposit with wrong pin should fail")
		}
	})

	t.Run("authorize and send", func(t *testing.T) {
		if err := alice.RequestTransferAuthorization(ctx, "1234", "bob"); err != nil {
			t.Fatalf("RequestTransferAuthorization: %v", err)
		}
		if err := bob.ApproveTransferAuthorization(ctx, "5678", "alice", 2000); err != nil {
			t.Fatalf("ApproveTransferAuthorization: %v", err)
		}

		contacts, err := alice.GetAuthorizedContacts(ctx)
		if err != nil {
			t.Fatalf("GetAuthorizedContacts: %v", err)
		}
		if len(contacts) != 1 || contacts[0].MaxAmount != 2000 {
			t.Fatalf("contacts = %+v, want one with max 2000", contacts)
		}

		if err := alice.SendToAuthorizedUser(ctx, "1234", "bob", 1500); err != nil {
			t.Fatalf("SendToAuthorizedUser: %v", err)
		}
		awaitBalance(t, alice, 5000)

		pending, err := bob.GetPendingClaims(ctx)
		if err != nil {
			t.Fatalf("GetPendingClaims: %v", err)
		}
		if got := pending["alice"]; got != 1500 {
			t.Fatalf("pending claim from alice = %d, want 1500", got)
		}
	})

	t.Run("claim credits recipient", func(t *testing.T) {
		amount, err := bob.ClaimAuthorizedTransfer(ctx, "5678", "alice")
		if err != nil {
			t.Fatalf("ClaimAuthorizedTransfer: %v", err)
		}
		if amount != 1500 {
			t.Fatalf("claimed %d, want 1500", amount)
		}
		awaitBalance(t, bob, 2500)

		got := lastEntry(t, ctx, bob)
		if got.Kind != journal.KindClaimedTransfer || got.Amount != 1500 || got.BalanceAfter != 2500 {
			t.Fatalf("last entry = %+v, want claimed-transfer of 1500 with balance 2500", got)
		}
	})

	t.Run("exceeding authorization fails", func(t *testing.T) {
		if err := alice.SendToAuthorizedUser(ctx, "1234", "bob", 2600); err == nil {
			t.Fatal("send above the authorized maximum should fail")
		}
	})
}

func TestEngineDisclosure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := memnode.New()
	address, err := node.DeployContract(ctx)
	if err != nil {
		t.Fatalf("DeployContract: %v", err)
	}

	alice := newTestEngine(t, ctx, node, address, "alice")
	carol := newTestEngine(t, ctx, node, address, "carol")

	if err := alice.CreateAccount(ctx, "1234", 3000); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := carol.CreateAccount(ctx, "9999", 100); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	t.Run("threshold proof", func(t *testing.T) {
		if err := alice.GrantDisclosurePermission(ctx, "1234", "carol", contract.PermissionThresholdDisclosure, 2500, 0); err != nil {
			t.Fatalf("GrantDisclosurePermission: %v", err)
		}
		ok, err := carol.VerifyBalanceThreshold(ctx, "9999", "alice", 2000)
		if err != nil {
			t.Fatalf("VerifyBalanceThreshold: %v", err)
		}
		if !ok {
			t.Fatal("balance 3000 should satisfy threshold 2000")
		}
		if _, err := carol.GetDisclosedBalance(ctx, "9999", "alice"); err == nil {
			t.Fatal("exact read under a threshold-only grant should fail")
		}
	})

	t.Run("exact disclosure and revoke", func(t *testing.T) {
		if err := alice.GrantDisclosurePermission(ctx, "1234", "carol", contract.PermissionExactDisclosure, 10000, 0); err != nil {
			t.Fatalf("GrantDisclosurePermission: %v", err)
		}
		balance, err := carol.GetDisclosedBalance(ctx, "9999", "alice")
		if err != nil {
			t.Fatalf("GetDisclosedBalance: %v", err)
		}
		if balance != 3000 {
			t.Fatalf("disclosed balance = %d, want 3000", balance)
		}

		if err := alice.RevokeDisclosurePermission(ctx, "1234", "carol"); err != nil {
			t.Fatalf("RevokeDisclosurePermission: %v", err)
		}
		node.SetClock(func() time.Time { return time.Now().Add(2 * time.Second) })
		if _, err := carol.GetDisclosedBalance(ctx, "9999", "alice"); err == nil {
			t.Fatal("disclosure should be dead after revocation")
		}
	})
}
