// protocol.go - Transfer authorization protocol: request, approve, send, claim.
//
// The engine locates and builds contract calls; the contract itself is the
// enforcement point for balance sufficiency and authorization limits, so
// sends carry no client-side pre-checks beyond identity resolution.

package authorize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

// Contact is one live counterparty authorization, folded across duplicate
// records by maximum limit.
type Contact struct {
	ID        string
	MaxAmount uint64
	// ExpiresAt is zero when the grant never expires.
	ExpiresAt time.Time
}

// Protocol drives the authorization and disclosure state machines for one
// identity against one contract deployment.
type Protocol struct {
	circuits contract.Circuits
	source   contract.StateSource
	address  string
	self     string
	fixed    identity.Fixed
	log      zerolog.Logger
}

// New builds a protocol handle for the normalized identity id.
func New(circuits contract.Circuits, source contract.StateSource, address, id string, log zerolog.Logger) *Protocol {
	norm := identity.Normalize(id)
	return &Protocol{
		circuits: circuits,
		source:   source,
		address:  address,
		self:     norm,
		fixed:    identity.ToFixedBytes(norm),
		log:      log,
	}
}

// RequestTransfer submits a transfer-authorization request to recipient.
// The contract rejects the call if PIN authentication fails.
func (p *Protocol) RequestTransfer(ctx context.Context, pinHash identity.Fixed, recipient string) (contract.Receipt, error) {
	rcpt, err := p.circuits.RequestTransferAuthorization(ctx, p.fixed, pinHash, identity.ToFixedBytes(recipient))
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("request transfer authorization: %w", err)
	}
	return rcpt, nil
}

// ApproveTransfer authorizes sender to transfer up to maxAmount to self.
// Repeated approvals are idempotent in intent but each call is a fresh
// on-chain mutation; readers fold duplicates by maximum limit.
func (p *Protocol) ApproveTransfer(ctx context.Context, pinHash identity.Fixed, sender string, maxAmount uint64) (contract.Receipt, error) {
	rcpt, err := p.circuits.ApproveTransferAuthorization(ctx, p.fixed, pinHash, identity.ToFixedBytes(sender), maxAmount)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("approve transfer authorization: %w", err)
	}
	return rcpt, nil
}

// SendToAuthorized transfers amount to recipient under an existing
// authorization. Limit and balance failures surface as contract errors.
func (p *Protocol) SendToAuthorized(ctx context.Context, pinHash identity.Fixed, recipient string, amount uint64) (contract.Receipt, error) {
	rcpt, err := p.circuits.SendToAuthorizedUser(ctx, p.fixed, pinHash, identity.ToFixedBytes(recipient), amount)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("send to authorized user: %w", err)
	}
	return rcpt, nil
}

// PendingClaims returns the escrowed, unclaimed amounts addressed to self,
// keyed by the sender's identity.
func (p *Protocol) PendingClaims(ctx context.Context) (map[string]uint64, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("query pending claims: %w", err)
	}
	claims := make(map[string]uint64)
	for _, authID := range snap.UserAsRecipientAuths[p.fixed] {
		if authID.IsZero() {
			continue
		}
		rec, ok := snap.ActiveAuthorizations[authID]
		if !ok || rec.Permission != contract.PermissionTransfer {
			continue
		}
		if amt := snap.EncryptedAmountMappings[authID]; amt > 0 {
			claims[rec.SenderID.Text()] += amt
		}
	}
	return claims, nil
}

// ClaimTransfer claims the pending transfer from sender. The claim circuit
// does not return the amount, so it is snapshotted first and returned for
// the caller's own balance bookkeeping. A missing pending claim is a
// client-detected precondition failure; no contract call is made.
func (p *Protocol) ClaimTransfer(ctx context.Context, pinHash identity.Fixed, sender string) (uint64, contract.Receipt, error) {
	claims, err := p.PendingClaims(ctx)
	if err != nil {
		return 0, contract.Receipt{}, err
	}
	norm := identity.Normalize(sender)
	amount, ok := claims[norm]
	if !ok || amount == 0 {
		return 0, contract.Receipt{}, fmt.Errorf("no pending claim from %q", norm)
	}
	rcpt, err := p.circuits.ClaimAuthorizedTransfer(ctx, p.fixed, pinHash, identity.ToFixedBytes(sender))
	if err != nil {
		return 0, contract.Receipt{}, fmt.Errorf("claim authorized transfer: %w", err)
	}
	return amount, rcpt, nil
}

// CoveringAuthID returns the id (hex) of the live transfer authorization
// from self to recipient with the largest limit, for the sender's own
// pending-transfer bookkeeping.
func (p *Protocol) CoveringAuthID(ctx context.Context, recipient string) (string, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return "", fmt.Errorf("query covering authorization: %w", err)
	}
	target := identity.ToFixedBytes(recipient)
	var (
		best    contract.AuthID
		bestMax uint64
		found   bool
	)
	for authID, rec := range snap.ActiveAuthorizations {
		if authID.IsZero() || rec.Permission != contract.PermissionTransfer {
			continue
		}
		if rec.SenderID != p.fixed || rec.RecipientID != target || !rec.IsLive(snap.CurrentTimestamp) {
			continue
		}
		if !found || rec.MaxAmount > bestMax {
			best, bestMax, found = authID, rec.MaxAmount, true
		}
	}
	if !found {
		return "", fmt.Errorf("no live transfer authorization to %q", identity.Normalize(recipient))
	}
	text, err := best.MarshalText()
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// AuthorizedContacts lists the identities self may currently send to:
// live, non-tombstoned transfer records with self as sender, folded by
// maximum limit so the most permissive in-force grant is reported.
func (p *Protocol) AuthorizedContacts(ctx context.Context) ([]Contact, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("query authorized contacts: %w", err)
	}
	return foldTransferContacts(snap, func(rec contract.AuthorizationRecord) (identity.Fixed, bool) {
		return rec.RecipientID, rec.SenderID == p.fixed
	}), nil
}

// IncomingAuthorizations lists the senders currently authorized to send to
// self, with the same folding rules.
func (p *Protocol) IncomingAuthorizations(ctx context.Context) ([]Contact, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("query incoming authorizations: %w", err)
	}
	return foldTransferContacts(snap, func(rec contract.AuthorizationRecord) (identity.Fixed, bool) {
		return rec.SenderID, rec.RecipientID == p.fixed
	}), nil
}

// foldTransferContacts scans the typed authorization index, filtering
// tombstones, non-transfer kinds, and expired records, and keeps the
// maximum limit per counterparty. Ties on limit keep the later expiry.
func foldTransferContacts(snap *contract.Snapshot, match func(contract.AuthorizationRecord) (identity.Fixed, bool)) []Contact {
	best := make(map[identity.Fixed]Contact)
	for authID, rec := range snap.ActiveAuthorizations {
		if authID.IsZero() || rec.Permission != contract.PermissionTransfer {
			continue
		}
		other, ok := match(rec)
		if !ok || !rec.IsLive(snap.CurrentTimestamp) {
			continue
		}
		c := Contact{ID: other.Text(), MaxAmount: rec.MaxAmount, ExpiresAt: expiryTime(rec.ExpiresAt)}
		prev, seen := best[other]
		if !seen || c.MaxAmount > prev.MaxAmount {
			best[other] = c
		}
	}
	out := make([]Contact, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// expiryTime converts an on-chain expiry to calendar time; 0 maps to the
// zero time, meaning "never expires".
func expiryTime(expiresAt uint64) time.Time {
	if expiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(int64(expiresAt), 0).UTC()
}
