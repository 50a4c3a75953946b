// interface.go - Opaque collaborator interfaces for the ledger contract.
//
// Proof generation, encryption, and balance storage happen on the other side
// of these interfaces; the engine only builds calls and reads state.

package contract

import (
	"context"

	"shieldedbank/internal/identity"
)

// Circuits is the contract's mutation and authenticated-read surface. Every
// call takes fixed-width identity and PIN-hash arguments and returns a
// transaction receipt. Balance sufficiency, authorization limits, and expiry
// are enforced by the contract, not by callers.
type Circuits interface {
	CreateAccount(ctx context.Context, id, pinHash identity.Fixed, initialDeposit uint64) (Receipt, error)
	Deposit(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (Receipt, error)
	Withdraw(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (Receipt, error)
	RequestTransferAuthorization(ctx context.Context, sender, pinHash, recipient identity.Fixed) (Receipt, error)
	ApproveTransferAuthorization(ctx context.Context, recipient, pinHash, sender identity.Fixed, maxAmount uint64) (Receipt, error)
	SendToAuthorizedUser(ctx context.Context, sender, pinHash, recipient identity.Fixed, amount uint64) (Receipt, error)
	ClaimAuthorizedTransfer(ctx context.Context, recipient, pinHash, sender identity.Fixed) (Receipt, error)
	GrantDisclosurePermission(ctx context.Context, owner, pinHash, requester identity.Fixed, permission PermissionType, bound, ttlSeconds uint64) (Receipt, error)
	GetTokenBalance(ctx context.Context, id, pinHash identity.Fixed) (uint64, error)
	VerifyAccountStatus(ctx context.Context, id, pinHash identity.Fixed) (AccountStatus, error)
}

// StateSource is the contract's public state query and stream surface.
//
// StreamState pushes a snapshot whenever chain state changes, starting with
// the current state. The error channel reports a broken stream; after it
// fires, neither channel delivers again and the consumer must resubscribe.
type StateSource interface {
	QueryState(ctx context.Context, address string) (*Snapshot, error)
	StreamState(ctx context.Context, address string) (<-chan *Snapshot, <-chan error, error)
}
