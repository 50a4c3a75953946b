// message.go - Wire envelope and call payloads for the HTTP contract node.
//
// Every request is a Message posted to /contract; the payload shape is
// selected by the Type field. Fixed-width identities travel as hex strings
// via their text marshaling.

package httpnode

import (
	"encoding/json"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

// Message is the generic envelope for any contract call sent over the wire.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the envelope for every response. Error carries the backend's
// error text when OK is false.
type Reply struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types understood by the server.
const (
	TypeCreateAccount        = "create_account"
	TypeDeposit              = "deposit"
	TypeWithdraw             = "withdraw"
	TypeRequestAuthorization = "request_authorization"
	TypeApproveAuthorization = "approve_authorization"
	TypeSendTransfer         = "send_transfer"
	TypeClaimTransfer        = "claim_transfer"
	TypeGrantDisclosure      = "grant_disclosure"
	TypeTokenBalance         = "token_balance"
	TypeVerifyStatus         = "verify_status"
	TypeQueryState           = "query_state"
	TypeDeployContract       = "deploy_contract"
	TypeLookupContract       = "lookup_contract"
)

// AccountCall covers the single-party circuits: create, deposit, withdraw,
// balance read, and status verification.
type AccountCall struct {
	ID      identity.Fixed `json:"id"`
	PinHash identity.Fixed `json:"pinHash"`
	Amount  uint64         `json:"amount,omitempty"`
}

// TransferCall covers the two-party transfer circuits. Counterparty is the
// recipient for request/send and the sender for approve/claim.
type TransferCall struct {
	ID           identity.Fixed `json:"id"`
	PinHash      identity.Fixed `json:"pinHash"`
	Counterparty identity.Fixed `json:"counterparty"`
	Amount       uint64         `json:"amount,omitempty"`
}

// DisclosureCall grants a balance-visibility permission.
type DisclosureCall struct {
	ID         identity.Fixed          `json:"id"`
	PinHash    identity.Fixed          `json:"pinHash"`
	Requester  identity.Fixed          `json:"requester"`
	Permission contract.PermissionType `json:"permission"`
	Bound      uint64                  `json:"bound"`
	TTLSeconds uint64                  `json:"ttlSeconds"`
}

// StateQuery addresses a state read or contract lookup.
type StateQuery struct {
	Address string `json:"address"`
}

// BalanceReply carries a GetTokenBalance result.
type BalanceReply struct {
	Balance uint64 `json:"balance"`
}

// StatusReply carries a VerifyAccountStatus result.
type StatusReply struct {
	Status contract.AccountStatus `json:"status"`
}

// AddressReply carries a DeployContract result.
type AddressReply struct {
	Address string `json:"address"`
}
