// types.go - Typed model of the public ledger contract state.
//
// The contract itself is an external collaborator; these types mirror the
// records and state maps its query surface exposes.

package contract

import (
	"encoding/hex"
	"fmt"

	"shieldedbank/internal/identity"
)

// AccountStatus is the public lifecycle status of an account.
type AccountStatus uint8

const (
	StatusInactive AccountStatus = iota
	StatusActive
	StatusVerified
	StatusSuspended
)

// String returns the lowercase status name.
func (s AccountStatus) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusActive:
		return "active"
	case StatusVerified:
		return "verified"
	case StatusSuspended:
		return "suspended"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// PermissionType distinguishes the authorization kinds sharing the
// AuthorizationRecord structure.
type PermissionType uint8

const (
	PermissionTransfer            PermissionType = 0
	PermissionThresholdDisclosure PermissionType = 1
	PermissionExactDisclosure     PermissionType = 2
)

// String returns the permission kind name.
func (p PermissionType) String() string {
	switch p {
	case PermissionTransfer:
		return "transfer"
	case PermissionThresholdDisclosure:
		return "threshold-disclosure"
	case PermissionExactDisclosure:
		return "exact-disclosure"
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// AuthID keys an authorization record. An all-zero AuthID is a tombstone.
type AuthID [32]byte

// IsZero reports whether the id is a tombstone.
func (a AuthID) IsZero() bool {
	return a == AuthID{}
}

// MarshalText implements encoding.TextMarshaler as lowercase hex.
func (a AuthID) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(a)))
	hex.Encode(out, a[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AuthID) UnmarshalText(data []byte) error {
	if hex.DecodedLen(len(data)) != len(a) {
		return fmt.Errorf("invalid auth id length: %d", len(data))
	}
	_, err := hex.Decode(a[:], data)
	return err
}

// AccountRecord is the public metadata the contract holds per account.
type AccountRecord struct {
	OwnerHash           []byte        `json:"owner_hash"`
	Status              AccountStatus `json:"status"`
	TransactionCount    uint64        `json:"transaction_count"`
	LastTransactionHash []byte        `json:"last_transaction_hash"`
}

// AuthorizationRecord is an on-chain grant from a sender to a recipient,
// bounded by amount and expiry. ExpiresAt is in unix seconds; 0 means the
// grant never expires.
type AuthorizationRecord struct {
	SenderID   identity.Fixed `json:"sender_id"`
	RecipientID identity.Fixed `json:"recipient_id"`
	Permission PermissionType `json:"permission"`
	MaxAmount  uint64         `json:"max_amount"`
	ExpiresAt  uint64         `json:"expires_at"`
}

// IsLive reports whether the record is in force at the given unix time.
func (r AuthorizationRecord) IsLive(now uint64) bool {
	return r.ExpiresAt == 0 || r.ExpiresAt > now
}

// RequestStatus is the resolution state of a pending authorization request.
type RequestStatus uint8

const (
	RequestPending RequestStatus = iota
	RequestApproved
	RequestRejected
)

// PendingAuthRequest records an unresolved transfer-authorization request.
type PendingAuthRequest struct {
	SenderID    identity.Fixed `json:"sender_id"`
	RecipientID identity.Fixed `json:"recipient_id"`
	RequestedAt uint64         `json:"requested_at"`
	Status      RequestStatus  `json:"status"`
}

// Receipt is returned by every contract circuit call.
type Receipt struct {
	TxHash      []byte `json:"tx_hash"`
	BlockHeight uint64 `json:"block_height"`
}

// Snapshot is one observation of the contract's public state.
type Snapshot struct {
	Height                  uint64                             `json:"height"`
	AllAccounts             map[identity.Fixed]AccountRecord   `json:"all_accounts"`
	ActiveAuthorizations    map[AuthID]AuthorizationRecord     `json:"active_authorizations"`
	UserAsRecipientAuths    map[identity.Fixed][]AuthID        `json:"user_as_recipient_auths"`
	SharedBalanceAccess     map[identity.Fixed]uint64          `json:"shared_balance_access"`
	UserBalanceMappings     map[identity.Fixed]AuthID          `json:"user_balance_mappings"`
	EncryptedAmountMappings map[AuthID]uint64                  `json:"encrypted_amount_mappings"`
	PendingAuthRequests     []PendingAuthRequest               `json:"pending_auth_requests"`
	CurrentTimestamp        uint64                             `json:"current_timestamp"`
}

// SharedBalance resolves the shared encrypted-balance value published for an
// identity: the direct map first, falling back to the secondary mapping.
func (s *Snapshot) SharedBalance(id identity.Fixed) (uint64, bool) {
	if v, ok := s.SharedBalanceAccess[id]; ok {
		return v, true
	}
	key, ok := s.UserBalanceMappings[id]
	if !ok {
		return 0, false
	}
	v, ok := s.EncryptedAmountMappings[key]
	return v, ok
}
