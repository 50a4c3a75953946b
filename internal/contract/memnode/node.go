// node.go - In-memory reference implementation of the ledger contract.
//
// Implements the Circuits and StateSource collaborator interfaces with the
// same enforcement the real contract performs: PIN authentication, balance
// sufficiency, authorization limits, expiry, and pending-claim escrow.
// Used by tests and the demo binary.
//
// NOTE: the node serializes all mutations behind one mutex; it is the sole
// arbitration point for concurrent clients, as the real chain would be.

package memnode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

var (
	// ErrUnknownAccount is returned for calls against a missing account.
	ErrUnknownAccount = errors.New("account does not exist")
	// ErrAuthentication is returned when the PIN hash does not match.
	ErrAuthentication = errors.New("authentication failed: invalid pin")
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotAuthorized is returned when no live transfer authorization
	// covers the requested amount.
	ErrNotAuthorized = errors.New("no live transfer authorization covers the amount")
	// ErrNoPendingClaim is returned when a claim finds no escrowed amount.
	ErrNoPendingClaim = errors.New("no pending claim from sender")
)

type account struct {
	record  contract.AccountRecord
	pinHash identity.Fixed
	balance uint64
}

// Node is a single in-process contract deployment.
type Node struct {
	mu      sync.Mutex
	address string
	height  uint64
	now     func() time.Time

	accounts       map[identity.Fixed]*account
	auths          map[contract.AuthID]contract.AuthorizationRecord
	recipientAuths map[identity.Fixed][]contract.AuthID
	balanceKeys    map[identity.Fixed]contract.AuthID
	encAmounts     map[contract.AuthID]uint64
	requests       []contract.PendingAuthRequest

	watchers []chan *contract.Snapshot
}

// New returns an empty, undeployed node.
func New() *Node {
	return &Node{
		now:            time.Now,
		accounts:       make(map[identity.Fixed]*account),
		auths:          make(map[contract.AuthID]contract.AuthorizationRecord),
		recipientAuths: make(map[identity.Fixed][]contract.AuthID),
		balanceKeys:    make(map[identity.Fixed]contract.AuthID),
		encAmounts:     make(map[contract.AuthID]uint64),
	}
}

// SetClock overrides the node's time source. Test hook.
func (n *Node) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// DeployContract assigns the node an address. Idempotent per node.
func (n *Node) DeployContract(_ context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.address == "" {
		n.address = uuid.NewString()
	}
	return n.address, nil
}

// LookupContract returns the current snapshot for a deployed address.
func (n *Node) LookupContract(ctx context.Context, address string) (*contract.Snapshot, error) {
	return n.QueryState(ctx, address)
}

// QueryState implements contract.StateSource.
func (n *Node) QueryState(_ context.Context, address string) (*contract.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkAddress(address); err != nil {
		return nil, err
	}
	return n.snapshotLocked(), nil
}

// StreamState implements contract.StateSource. The current snapshot is
// pushed immediately, then one snapshot per committed mutation. Snapshots
// are delivered latest-wins: a slow consumer sees the newest state, not
// every intermediate one.
func (n *Node) StreamState(ctx context.Context, address string) (<-chan *contract.Snapshot, <-chan error, error) {
	n.mu.Lock()
	if err := n.checkAddress(address); err != nil {
		n.mu.Unlock()
		return nil, nil, err
	}
	ch := make(chan *contract.Snapshot, 1)
	errCh := make(chan error, 1)
	ch <- n.snapshotLocked()
	n.watchers = append(n.watchers, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		for i, w := range n.watchers {
			if w == ch {
				n.watchers = append(n.watchers[:i], n.watchers[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}()
	return ch, errCh, nil
}

func (n *Node) checkAddress(address string) error {
	if n.address == "" {
		return errors.New("contract not deployed")
	}
	if address != n.address {
		return fmt.Errorf("unknown contract address %q", address)
	}
	return nil
}

// CreateAccount implements contract.Circuits.
func (n *Node) CreateAccount(_ context.Context, id, pinHash identity.Fixed, initialDeposit uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.accounts[id]; exists {
		return contract.Receipt{}, fmt.Errorf("account %q already exists", id.Text())
	}
	rcpt := n.commitLocked()
	n.accounts[id] = &account{
		record: contract.AccountRecord{
			OwnerHash:           identity.Hash(id[:]),
			Status:              contract.StatusActive,
			TransactionCount:    1,
			LastTransactionHash: rcpt.TxHash,
		},
		pinHash: pinHash,
		balance: initialDeposit,
	}
	n.refreshSharedBalanceLocked(id)
	n.broadcastLocked()
	return rcpt, nil
}

// Deposit implements contract.Circuits.
func (n *Node) Deposit(_ context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(id, pinHash)
	if err != nil {
		return contract.Receipt{}, err
	}
	rcpt := n.commitLocked()
	acct.balance += amount
	n.touchLocked(acct, rcpt)
	n.refreshSharedBalanceLocked(id)
	n.broadcastLocked()
	return rcpt, nil
}

// Withdraw implements contract.Circuits.
func (n *Node) Withdraw(_ context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(id, pinHash)
	if err != nil {
		return contract.Receipt{}, err
	}
	if acct.balance < amount {
		return contract.Receipt{}, ErrInsufficientBalance
	}
	rcpt := n.commitLocked()
	acct.balance -= amount
	n.touchLocked(acct, rcpt)
	n.refreshSharedBalanceLocked(id)
	n.broadcastLocked()
	return rcpt, nil
}

// RequestTransferAuthorization implements contract.Circuits.
func (n *Node) RequestTransferAuthorization(_ context.Context, sender, pinHash, recipient identity.Fixed) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.authLocked(sender, pinHash); err != nil {
		return contract.Receipt{}, err
	}
	rcpt := n.commitLocked()
	n.requests = append(n.requests, contract.PendingAuthRequest{
		SenderID:    sender,
		RecipientID: recipient,
		RequestedAt: uint64(n.now().Unix()),
		Status:      contract.RequestPending,
	})
	n.broadcastLocked()
	return rcpt, nil
}

// ApproveTransferAuthorization implements contract.Circuits. Each approval
// appends a fresh record; existing records are never shrunk, so a grant's
// limit can only decrease through expiry plus re-approval.
func (n *Node) ApproveTransferAuthorization(_ context.Context, recipient, pinHash, sender identity.Fixed, maxAmount uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.authLocked(recipient, pinHash); err != nil {
		return contract.Receipt{}, err
	}
	rcpt := n.commitLocked()
	n.insertAuthLocked(contract.AuthorizationRecord{
		SenderID:    sender,
		RecipientID: recipient,
		Permission:  contract.PermissionTransfer,
		MaxAmount:   maxAmount,
		ExpiresAt:   0,
	})
	for i := range n.requests {
		r := &n.requests[i]
		if r.SenderID == sender && r.RecipientID == recipient && r.Status == contract.RequestPending {
			r.Status = contract.RequestApproved
		}
	}
	n.broadcastLocked()
	return rcpt, nil
}

// SendToAuthorizedUser implements contract.Circuits. The amount is debited
// from the sender and escrowed against the covering authorization until the
// recipient claims it.
func (n *Node) SendToAuthorizedUser(_ context.Context, sender, pinHash, recipient identity.Fixed, amount uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(sender, pinHash)
	if err != nil {
		return contract.Receipt{}, err
	}
	authID, ok := n.coveringAuthLocked(sender, recipient, amount)
	if !ok {
		return contract.Receipt{}, ErrNotAuthorized
	}
	if acct.balance < amount {
		return contract.Receipt{}, ErrInsufficientBalance
	}
	rcpt := n.commitLocked()
	acct.balance -= amount
	n.encAmounts[authID] += amount
	n.touchLocked(acct, rcpt)
	n.refreshSharedBalanceLocked(sender)
	n.broadcastLocked()
	return rcpt, nil
}

// ClaimAuthorizedTransfer implements contract.Circuits. The receipt does
// not carry the claimed amount; callers snapshot it beforehand.
func (n *Node) ClaimAuthorizedTransfer(_ context.Context, recipient, pinHash, sender identity.Fixed) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(recipient, pinHash)
	if err != nil {
		return contract.Receipt{}, err
	}
	var total uint64
	for _, authID := range n.recipientAuths[recipient] {
		rec, ok := n.auths[authID]
		if !ok || rec.Permission != contract.PermissionTransfer || rec.SenderID != sender {
			continue
		}
		if amt := n.encAmounts[authID]; amt > 0 {
			total += amt
			delete(n.encAmounts, authID)
		}
	}
	if total == 0 {
		return contract.Receipt{}, ErrNoPendingClaim
	}
	rcpt := n.commitLocked()
	acct.balance += total
	n.touchLocked(acct, rcpt)
	n.refreshSharedBalanceLocked(recipient)
	n.broadcastLocked()
	return rcpt, nil
}

// GrantDisclosurePermission implements contract.Circuits. ttlSeconds 0
// means the grant never expires. Granting publishes the owner's balance
// into the shared-balance mappings.
func (n *Node) GrantDisclosurePermission(_ context.Context, owner, pinHash, requester identity.Fixed, permission contract.PermissionType, bound, ttlSeconds uint64) (contract.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if permission != contract.PermissionThresholdDisclosure && permission != contract.PermissionExactDisclosure {
		return contract.Receipt{}, fmt.Errorf("invalid disclosure permission %v", permission)
	}
	if _, err := n.authLocked(owner, pinHash); err != nil {
		return contract.Receipt{}, err
	}
	var expiresAt uint64
	if ttlSeconds > 0 {
		expiresAt = uint64(n.now().Unix()) + ttlSeconds
	}
	rcpt := n.commitLocked()
	n.upsertDisclosureLocked(contract.AuthorizationRecord{
		SenderID:    owner,
		RecipientID: requester,
		Permission:  permission,
		MaxAmount:   bound,
		ExpiresAt:   expiresAt,
	})
	n.refreshSharedBalanceLocked(owner)
	n.broadcastLocked()
	return rcpt, nil
}

// GetTokenBalance implements contract.Circuits.
func (n *Node) GetTokenBalance(_ context.Context, id, pinHash identity.Fixed) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(id, pinHash)
	if err != nil {
		return 0, err
	}
	return acct.balance, nil
}

// VerifyAccountStatus implements contract.Circuits.
func (n *Node) VerifyAccountStatus(_ context.Context, id, pinHash identity.Fixed) (contract.AccountStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, err := n.authLocked(id, pinHash)
	if err != nil {
		return contract.StatusInactive, err
	}
	return acct.record.Status, nil
}

// --- internals, all called with the mutex held ---

func (n *Node) authLocked(id, pinHash identity.Fixed) (*account, error) {
	acct, ok := n.accounts[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	if acct.pinHash != pinHash {
		return nil, ErrAuthentication
	}
	return acct, nil
}

// commitLocked advances the chain height and mints a receipt.
func (n *Node) commitLocked() contract.Receipt {
	n.height++
	var seed [32]byte
	rand.Read(seed[:])
	return contract.Receipt{TxHash: identity.Hash(seed[:]), BlockHeight: n.height}
}

func (n *Node) touchLocked(acct *account, rcpt contract.Receipt) {
	acct.record.TransactionCount++
	acct.record.LastTransactionHash = rcpt.TxHash
}

func (n *Node) insertAuthLocked(rec contract.AuthorizationRecord) {
	var id contract.AuthID
	rand.Read(id[:])
	n.auths[id] = rec
	n.recipientAuths[rec.RecipientID] = append(n.recipientAuths[rec.RecipientID], id)
}

// upsertDisclosureLocked replaces the existing grant for the same
// (owner, requester, kind) triple, or inserts a fresh record. Re-granting
// with an immediate expiry is how revocation works, so replacement is what
// the contract does for disclosure kinds.
func (n *Node) upsertDisclosureLocked(rec contract.AuthorizationRecord) {
	for id, existing := range n.auths {
		if existing.SenderID == rec.SenderID && existing.RecipientID == rec.RecipientID && existing.Permission == rec.Permission {
			n.auths[id] = rec
			return
		}
	}
	n.insertAuthLocked(rec)
}

// refreshSharedBalanceLocked keeps the secondary balance mapping current
// for identities that have published a disclosure grant.
func (n *Node) refreshSharedBalanceLocked(id identity.Fixed) {
	acct, ok := n.accounts[id]
	if !ok {
		return
	}
	key, ok := n.balanceKeys[id]
	if !ok {
		// Allocate a balance key once the identity has any disclosure grant.
		for _, rec := range n.auths {
			if rec.SenderID == id && rec.Permission != contract.PermissionTransfer {
				rand.Read(key[:])
				n.balanceKeys[id] = key
				ok = true
				break
			}
		}
	}
	if ok {
		n.encAmounts[key] = acct.balance
	}
}

func (n *Node) snapshotLocked() *contract.Snapshot {
	snap := &contract.Snapshot{
		Height:                  n.height,
		AllAccounts:             make(map[identity.Fixed]contract.AccountRecord, len(n.accounts)),
		ActiveAuthorizations:    make(map[contract.AuthID]contract.AuthorizationRecord, len(n.auths)),
		UserAsRecipientAuths:    make(map[identity.Fixed][]contract.AuthID, len(n.recipientAuths)),
		SharedBalanceAccess:     make(map[identity.Fixed]uint64),
		UserBalanceMappings:     make(map[identity.Fixed]contract.AuthID, len(n.balanceKeys)),
		EncryptedAmountMappings: make(map[contract.AuthID]uint64, len(n.encAmounts)),
		PendingAuthRequests:     make([]contract.PendingAuthRequest, len(n.requests)),
		CurrentTimestamp:        uint64(n.now().Unix()),
	}
	for id, acct := range n.accounts {
		snap.AllAccounts[id] = acct.record
	}
	for id, rec := range n.auths {
		snap.ActiveAuthorizations[id] = rec
	}
	for id, list := range n.recipientAuths {
		snap.UserAsRecipientAuths[id] = append([]contract.AuthID(nil), list...)
	}
	for id, key := range n.balanceKeys {
		snap.UserBalanceMappings[id] = key
	}
	for key, amt := range n.encAmounts {
		snap.EncryptedAmountMappings[key] = amt
	}
	copy(snap.PendingAuthRequests, n.requests)
	return snap
}

func (n *Node) coveringAuthLocked(sender, recipient identity.Fixed, amount uint64) (contract.AuthID, bool) {
	now := uint64(n.now().Unix())
	var best contract.AuthID
	var bestMax uint64
	found := false
	for _, authID := range n.recipientAuths[recipient] {
		if authID.IsZero() {
			continue
		}
		rec, ok := n.auths[authID]
		if !ok || rec.Permission != contract.PermissionTransfer {
			continue
		}
		if rec.SenderID != sender || !rec.IsLive(now) {
			continue
		}
		if rec.MaxAmount >= amount && (!found || rec.MaxAmount > bestMax) {
			best, bestMax, found = authID, rec.MaxAmount, true
		}
	}
	return best, found
}

// broadcastLocked pushes the new snapshot to every watcher, dropping the
// previous undelivered one so slow consumers always see the newest state.
func (n *Node) broadcastLocked() {
	if len(n.watchers) == 0 {
		return
	}
	snap := n.snapshotLocked()
	for _, ch := range n.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
