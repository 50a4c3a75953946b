// ops.go - Engine operations: account lifecycle, transfers, disclosure.

package bank

import (
	"context"
	"fmt"
	"time"

	"shieldedbank/internal/authorize"
	"shieldedbank/internal/contract"
	"shieldedbank/internal/journal"
	"shieldedbank/internal/privstate"
)

// CreateAccount creates the identity's account with an initial deposit and
// authenticates the session.
func (e *Engine) CreateAccount(ctx context.Context, pin string, initialDeposit uint64) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindCreate, func(ctx context.Context) (contract.Receipt, error) {
		return e.circuits.CreateAccount(ctx, e.fixed, pinHash, initialDeposit)
	})
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	e.markAuthenticated(ctx, pinHash)
	e.settle(ctx, journal.Entry{Kind: journal.KindCreate, Amount: initialDeposit})
	return nil
}

// Authenticate verifies the PIN against the contract and unlocks the
// derived balance for this session.
func (e *Engine) Authenticate(ctx context.Context, pin string) (contract.AccountStatus, error) {
	pinHash := e.pin(pin)
	status, err := e.circuits.VerifyAccountStatus(ctx, e.fixed, pinHash)
	if err != nil {
		return contract.StatusInactive, fmt.Errorf("authenticate: %w", err)
	}
	e.markAuthenticated(ctx, pinHash)
	return status, nil
}

// ContractBalance reads the balance directly from the contract, bypassing
// the journal-derived view.
func (e *Engine) ContractBalance(ctx context.Context, pin string) (uint64, error) {
	balance, err := e.circuits.GetTokenBalance(ctx, e.fixed, e.pin(pin))
	if err != nil {
		return 0, fmt.Errorf("token balance: %w", err)
	}
	return balance, nil
}

// Deposit credits amount cents to the account.
func (e *Engine) Deposit(ctx context.Context, pin string, amount uint64) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindDeposit, func(ctx context.Context) (contract.Receipt, error) {
		return e.circuits.Deposit(ctx, e.fixed, pinHash, amount)
	})
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindDeposit, Amount: amount})
	return nil
}

// Withdraw debits amount cents from the account. Balance sufficiency is
// enforced by the contract.
func (e *Engine) Withdraw(ctx context.Context, pin string, amount uint64) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindWithdraw, func(ctx context.Context) (contract.Receipt, error) {
		return e.circuits.Withdraw(ctx, e.fixed, pinHash, amount)
	})
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindWithdraw, Amount: amount})
	return nil
}

// RequestTransferAuthorization asks recipient for permission to send to
// them.
func (e *Engine) RequestTransferAuthorization(ctx context.Context, pin, recipient string) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindAuthRequest, func(ctx context.Context) (contract.Receipt, error) {
		return e.proto.RequestTransfer(ctx, pinHash, recipient)
	})
	if err != nil {
		return err
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindAuthRequest, Counterparty: recipient})
	return nil
}

// ApproveTransferAuthorization authorizes sender to transfer up to
// maxAmount cents to this account.
func (e *Engine) ApproveTransferAuthorization(ctx context.Context, pin, sender string, maxAmount uint64) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindAuthApprove, func(ctx context.Context) (contract.Receipt, error) {
		return e.proto.ApproveTransfer(ctx, pinHash, sender, maxAmount)
	})
	if err != nil {
		return err
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindAuthApprove, Counterparty: sender, MaxAmount: maxAmount})
	return nil
}

// SendToAuthorizedUser transfers amount cents to recipient under an
// existing authorization, recording the escrowed amount against the
// covering authorization id for the sender's own bookkeeping.
func (e *Engine) SendToAuthorizedUser(ctx context.Context, pin, recipient string, amount uint64) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindSentTransfer, func(ctx context.Context) (contract.Receipt, error) {
		return e.proto.SendToAuthorized(ctx, pinHash, recipient, amount)
	})
	if err != nil {
		return err
	}
	if authID, err := e.proto.CoveringAuthID(ctx, recipient); err != nil {
		e.log.Warn().Err(err).Msg("pending-transfer bookkeeping skipped")
	} else {
		e.saveRecord(ctx, func(rec *privstate.Record) {
			rec.PendingTransferAmounts[authID] += amount
		})
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindSentTransfer, Amount: amount, Counterparty: recipient})
	return nil
}

// ClaimAuthorizedTransfer claims the pending transfer from sender. The
// expected amount is snapshotted before the claim call and used for the
// balance bookkeeping afterwards.
func (e *Engine) ClaimAuthorizedTransfer(ctx context.Context, pin, sender string) (uint64, error) {
	pinHash := e.pin(pin)
	var amount uint64
	_, err := e.mutate(ctx, journal.KindClaimedTransfer, func(ctx context.Context) (contract.Receipt, error) {
		var rcpt contract.Receipt
		var err error
		amount, rcpt, err = e.proto.ClaimTransfer(ctx, pinHash, sender)
		return rcpt, err
	})
	if err != nil {
		return 0, err
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindClaimedTransfer, Amount: amount, Counterparty: sender})
	return amount, nil
}

// GetPendingClaims returns the unclaimed amounts addressed to this
// account, keyed by sender.
func (e *Engine) GetPendingClaims(ctx context.Context) (map[string]uint64, error) {
	return e.proto.PendingClaims(ctx)
}

// GetAuthorizedContacts lists the identities this account may send to.
func (e *Engine) GetAuthorizedContacts(ctx context.Context) ([]authorize.Contact, error) {
	return e.proto.AuthorizedContacts(ctx)
}

// GetIncomingAuthorizations lists the senders authorized to send here.
func (e *Engine) GetIncomingAuthorizations(ctx context.Context) ([]authorize.Contact, error) {
	return e.proto.IncomingAuthorizations(ctx)
}

// GrantDisclosurePermission grants requester bounded balance visibility
// for ttl; zero ttl never expires.
func (e *Engine) GrantDisclosurePermission(ctx context.Context, pin, requester string, kind contract.PermissionType, bound uint64, ttl time.Duration) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindDisclosureGrant, func(ctx context.Context) (contract.Receipt, error) {
		return e.proto.GrantDisclosure(ctx, pinHash, requester, kind, bound, ttl)
	})
	if err != nil {
		return err
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindDisclosureGrant, Counterparty: requester, MaxAmount: bound})
	return nil
}

// GrantDisclosurePermissionUntil grants with an absolute expiry, rejecting
// non-future expirations.
func (e *Engine) GrantDisclosurePermissionUntil(ctx context.Context, pin, requester string, kind contract.PermissionType, bound uint64, expiry time.Time) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindDisclosureGrant, func(ctx context.Context) (contract.Receipt, error) {
		return e.proto.GrantDisclosureUntil(ctx, pinHash, requester, kind, bound, expiry)
	})
	if err != nil {
		return err
	}
	e.settle(ctx, journal.Entry{Kind: journal.KindDisclosureGrant, Counterparty: requester, MaxAmount: bound})
	return nil
}

// RevokeDisclosurePermission withdraws requester's visibility by granting
// both disclosure kinds with an immediate expiry.
func (e *Engine) RevokeDisclosurePermission(ctx context.Context, pin, requester string) error {
	pinHash := e.pin(pin)
	_, err := e.mutate(ctx, journal.KindDisclosureGrant, func(ctx context.Context) (contract.Receipt, error) {
		return contract.Receipt{}, e.proto.RevokeDisclosure(ctx, pinHash, requester)
	})
	if err != nil {
		return err
	}
	e.refreshPrivate(ctx)
	return nil
}

// GetDisclosurePermissions lists the live disclosure grants this account
// has issued.
func (e *Engine) GetDisclosurePermissions(ctx context.Context, pin string) ([]authorize.Grant, error) {
	if _, err := e.circuits.VerifyAccountStatus(ctx, e.fixed, e.pin(pin)); err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return e.proto.DisclosurePermissions(ctx)
}

// VerifyBalanceThreshold proves whether target's balance meets threshold
// under a live disclosure grant to this account. The raw balance is never
// returned for threshold grants.
func (e *Engine) VerifyBalanceThreshold(ctx context.Context, pin, target string, threshold uint64) (bool, error) {
	if _, err := e.circuits.VerifyAccountStatus(ctx, e.fixed, e.pin(pin)); err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	return e.proto.VerifyBalanceThreshold(ctx, target, threshold)
}

// GetDisclosedBalance returns target's exact balance under a live
// exact-kind grant to this account.
func (e *Engine) GetDisclosedBalance(ctx context.Context, pin, target string) (uint64, error) {
	if _, err := e.circuits.VerifyAccountStatus(ctx, e.fixed, e.pin(pin)); err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}
	return e.proto.DisclosedBalance(ctx, target)
}
