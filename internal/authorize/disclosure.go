// disclosure.go - Selective balance disclosure: grant, verify, read, revoke.
//
// Two permission kinds ride on the transfer AuthorizationRecord structure:
// threshold disclosure proves "balance >= X" without revealing the value;
// exact disclosure reveals it. There is no native revoke primitive, so
// revocation re-grants both kinds with an immediate expiry.

package authorize

import (
	"context"
	"fmt"
	"time"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

// revokeTTL is the near-immediate expiry used to implement revocation.
const revokeTTL = time.Second

// Grant is one live disclosure permission issued by self.
type Grant struct {
	Requester string
	Kind      contract.PermissionType
	Bound     uint64
	// ExpiresAt is zero when the grant never expires.
	ExpiresAt time.Time
}

// GrantDisclosure grants requester bounded visibility into self's balance
// for ttl. A zero ttl grants without expiry.
func (p *Protocol) GrantDisclosure(ctx context.Context, pinHash identity.Fixed, requester string, kind contract.PermissionType, bound uint64, ttl time.Duration) (contract.Receipt, error) {
	if kind != contract.PermissionThresholdDisclosure && kind != contract.PermissionExactDisclosure {
		return contract.Receipt{}, fmt.Errorf("not a disclosure permission: %v", kind)
	}
	ttlSeconds := uint64(ttl / time.Second)
	rcpt, err := p.circuits.GrantDisclosurePermission(ctx, p.fixed, pinHash, identity.ToFixedBytes(requester), kind, bound, ttlSeconds)
	if err != nil {
		return contract.Receipt{}, fmt.Errorf("grant disclosure permission: %w", err)
	}
	return rcpt, nil
}

// GrantDisclosureUntil converts an absolute expiry into a relative TTL and
// grants. Non-future expirations are rejected.
func (p *Protocol) GrantDisclosureUntil(ctx context.Context, pinHash identity.Fixed, requester string, kind contract.PermissionType, bound uint64, expiry time.Time) (contract.Receipt, error) {
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return contract.Receipt{}, fmt.Errorf("disclosure expiry %s is not in the future", expiry.Format(time.RFC3339))
	}
	return p.GrantDisclosure(ctx, pinHash, requester, kind, bound, ttl)
}

// VerifyBalanceThreshold proves whether target's balance meets threshold
// under a live disclosure grant from target to self. For threshold-kind
// grants the requested threshold must not exceed the grant's bound, and the
// raw balance is never returned.
func (p *Protocol) VerifyBalanceThreshold(ctx context.Context, targetID string, threshold uint64) (bool, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return false, fmt.Errorf("query disclosure state: %w", err)
	}
	target := identity.ToFixedBytes(targetID)
	rec, err := p.liveDisclosureGrant(snap, target)
	if err != nil {
		return false, err
	}
	if rec.Permission == contract.PermissionThresholdDisclosure && threshold > rec.MaxAmount {
		return false, fmt.Errorf("threshold %d exceeds the grant bound %d", threshold, rec.MaxAmount)
	}
	balance, ok := snap.SharedBalance(target)
	if !ok {
		return false, fmt.Errorf("no shared balance published for %q", identity.Normalize(targetID))
	}
	return balance >= threshold, nil
}

// DisclosedBalance returns target's exact balance under a live exact-kind
// grant from target to self.
func (p *Protocol) DisclosedBalance(ctx context.Context, targetID string) (uint64, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return 0, fmt.Errorf("query disclosure state: %w", err)
	}
	target := identity.ToFixedBytes(targetID)
	rec, err := p.liveDisclosureGrant(snap, target)
	if err != nil {
		return 0, err
	}
	if rec.Permission != contract.PermissionExactDisclosure {
		return 0, fmt.Errorf("grant from %q does not permit exact disclosure", identity.Normalize(targetID))
	}
	balance, ok := snap.SharedBalance(target)
	if !ok {
		return 0, fmt.Errorf("no shared balance published for %q", identity.Normalize(targetID))
	}
	return balance, nil
}

// RevokeDisclosure revokes requester's visibility by granting both
// disclosure kinds with an immediate expiry. The readers' liveness filter
// does the rest; the previous grants are shadowed, not deleted.
func (p *Protocol) RevokeDisclosure(ctx context.Context, pinHash identity.Fixed, requester string) error {
	for _, kind := range []contract.PermissionType{contract.PermissionThresholdDisclosure, contract.PermissionExactDisclosure} {
		if _, err := p.GrantDisclosure(ctx, pinHash, requester, kind, 0, revokeTTL); err != nil {
			return fmt.Errorf("revoke disclosure (%v): %w", kind, err)
		}
	}
	return nil
}

// DisclosurePermissions lists the live disclosure grants self has issued,
// one per requester and kind, folded by maximum bound.
func (p *Protocol) DisclosurePermissions(ctx context.Context) ([]Grant, error) {
	snap, err := p.source.QueryState(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("query disclosure permissions: %w", err)
	}
	type key struct {
		requester identity.Fixed
		kind      contract.PermissionType
	}
	best := make(map[key]Grant)
	for authID, rec := range snap.ActiveAuthorizations {
		if authID.IsZero() || rec.Permission == contract.PermissionTransfer {
			continue
		}
		if rec.SenderID != p.fixed || !rec.IsLive(snap.CurrentTimestamp) {
			continue
		}
		k := key{rec.RecipientID, rec.Permission}
		g := Grant{
			Requester: rec.RecipientID.Text(),
			Kind:      rec.Permission,
			Bound:     rec.MaxAmount,
			ExpiresAt: expiryTime(rec.ExpiresAt),
		}
		prev, seen := best[k]
		if !seen || g.Bound > prev.Bound {
			best[k] = g
		}
	}
	out := make([]Grant, 0, len(best))
	for _, g := range best {
		out = append(out, g)
	}
	return out, nil
}

// liveDisclosureGrant locates the in-force disclosure grant from target to
// self, preferring exact over threshold when both are live. An expired
// grant is reported as such rather than ignored.
func (p *Protocol) liveDisclosureGrant(snap *contract.Snapshot, target identity.Fixed) (contract.AuthorizationRecord, error) {
	var (
		found       bool
		expiredOnly bool
		best        contract.AuthorizationRecord
	)
	for authID, rec := range snap.ActiveAuthorizations {
		if authID.IsZero() || rec.Permission == contract.PermissionTransfer {
			continue
		}
		if rec.SenderID != target || rec.RecipientID != p.fixed {
			continue
		}
		if !rec.IsLive(snap.CurrentTimestamp) {
			expiredOnly = true
			continue
		}
		if !found || better(rec, best) {
			best, found = rec, true
		}
	}
	if !found {
		if expiredOnly {
			return contract.AuthorizationRecord{}, fmt.Errorf("disclosure grant from %q has expired", target.Text())
		}
		return contract.AuthorizationRecord{}, fmt.Errorf("no disclosure grant from %q", target.Text())
	}
	return best, nil
}

// better prefers exact-kind grants, then larger bounds.
func better(a, b contract.AuthorizationRecord) bool {
	if a.Permission != b.Permission {
		return a.Permission == contract.PermissionExactDisclosure
	}
	return a.MaxAmount > b.MaxAmount
}
