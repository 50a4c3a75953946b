// httpnode_test.go - Client/server loop against the in-memory node.

package httpnode

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/contract/memnode"
	"shieldedbank/internal/identity"
)

func startNode(t *testing.T) (*memnode.Node, *Client) {
	t.Helper()
	node := memnode.New()
	srv := NewServer(node, "127.0.0.1:0", zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	client := NewClient("http://"+srv.Addr(), zerolog.Nop())
	client.SetPollInterval(20 * time.Millisecond)
	return node, client
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := startNode(t)

	address, err := client.DeployContract(ctx)
	if err != nil {
		t.Fatalf("DeployContract: %v", err)
	}
	if address == "" {
		t.Fatal("empty contract address")
	}

	alice := identity.ToFixedBytes("alice")
	pin := identity.HashPIN("alice", "1234")

	t.Run("circuits over the wire", func(t *testing.T) {
		if _, err := client.CreateAccount(ctx, alice, pin, 5000); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
		if _, err := client.Deposit(ctx, alice, pin, 1000); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		balance, err := client.GetTokenBalance(ctx, alice, pin)
		if err != nil {
			t.Fatalf("GetTokenBalance: %v", err)
		}
		if balance != 6000 {
			t.Fatalf("balance = %d, want 6000", balance)
		}
		status, err := client.VerifyAccountStatus(ctx, alice, pin)
		if err != nil {
			t.Fatalf("VerifyAccountStatus: %v", err)
		}
		if status != contract.StatusActive {
			t.Fatalf("status = %v, want active", status)
		}
	})

	t.Run("backend errors keep their text", func(t *testing.T) {
		badPin := identity.HashPIN("alice", "0000")
		_, err := client.Deposit(ctx, alice, badPin, 100)
		if err == nil {
			t.Fatal("deposit with wrong pin should fail")
		}
		if !strings.Contains(err.Error(), "authentication failed") {
			t.Fatalf("error %q should carry the node's text", err)
		}
	})

	t.Run("state query", func(t *testing.T) {
		snap, err := client.QueryState(ctx, address)
		if err != nil {
			t.Fatalf("QueryState: %v", err)
		}
		rec, ok := snap.AllAccounts[alice]
		if !ok {
			t.Fatal("account missing from snapshot")
		}
		if rec.Status != contract.StatusActive {
			t.Fatalf("snapshot status = %v, want active", rec.Status)
		}
	})

	t.Run("unknown address rejected", func(t *testing.T) {
		if _, err := client.QueryState(ctx, "no-such-contract"); err == nil {
			t.Fatal("query of unknown address should fail")
		}
	})
}

func TestClientStreamState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := startNode(t)

	address, err := client.DeployContract(ctx)
	if err != nil {
		t.Fatalf("DeployContract: %v", err)
	}

	alice := identity.ToFixedBytes("alice")
	pin := identity.HashPIN("alice", "1234")
	if _, err := client.CreateAccount(ctx, alice, pin, 100); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	snaps, errs, err := client.StreamState(ctx, address)
	if err != nil {
		t.Fatalf("StreamState: %v", err)
	}

	var first *contract.Snapshot
	select {
	case first = <-snaps:
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
	if _, ok := first.AllAccounts[alice]; !ok {
		t.Fatal("initial snapshot should include the account")
	}

	if _, err := client.Deposit(ctx, alice, pin, 900); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if snap.Height > first.Height {
				return
			}
		case err := <-errs:
			t.Fatalf("stream error: %v", err)
		case <-deadline:
			t.Fatal("no snapshot after mutation")
		}
	}
}
