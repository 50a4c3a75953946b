// client.go - HTTP client implementing the contract surfaces against a
// remote node.

package httpnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

const defaultPollInterval = 250 * time.Millisecond

// Client speaks the Message envelope protocol to a contract node. It
// implements contract.Circuits, contract.StateSource, and the deployment
// surface. StreamState is realized by polling the snapshot height.
type Client struct {
	baseURL      string
	http         *http.Client
	log          zerolog.Logger
	pollInterval time.Duration
}

// NewClient targets the node at baseURL, e.g. "http://127.0.0.1:9090".
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 5 * time.Second},
		log:          log.With().Str("component", "httpnode-client").Logger(),
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the state polling cadence. Call before
// StreamState.
func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// call posts one envelope and decodes the reply payload into out when out
// is non-nil. Backend failures come back as plain errors carrying the
// node's error text.
func (c *Client) call(ctx context.Context, msgType string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	body, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/contract", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", msgType, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %s for %s", resp.Status, msgType)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", msgType, err)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	if out != nil {
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("decode %s payload: %w", msgType, err)
		}
	}
	return nil
}

func (c *Client) receiptCall(ctx context.Context, msgType string, payload any) (contract.Receipt, error) {
	var rcpt contract.Receipt
	if err := c.call(ctx, msgType, payload, &rcpt); err != nil {
		return contract.Receipt{}, err
	}
	return rcpt, nil
}

func (c *Client) CreateAccount(ctx context.Context, id, pinHash identity.Fixed, initialDeposit uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeCreateAccount, AccountCall{ID: id, PinHash: pinHash, Amount: initialDeposit})
}

func (c *Client) Deposit(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeDeposit, AccountCall{ID: id, PinHash: pinHash, Amount: amount})
}

func (c *Client) Withdraw(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeWithdraw, AccountCall{ID: id, PinHash: pinHash, Amount: amount})
}

func (c *Client) RequestTransferAuthorization(ctx context.Context, sender, pinHash, recipient identity.Fixed) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeRequestAuthorization, TransferCall{ID: sender, PinHash: pinHash, Counterparty: recipient})
}

func (c *Client) ApproveTransferAuthorization(ctx context.Context, recipient, pinHash, sender identity.Fixed, maxAmount uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeApproveAuthorization, TransferCall{ID: recipient, PinHash: pinHash, Counterparty: sender, Amount: maxAmount})
}

func (c *Client) SendToAuthorizedUser(ctx context.Context, sender, pinHash, recipient identity.Fixed, amount uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeSendTransfer, TransferCall{ID: sender, PinHash: pinHash, Counterparty: recipient, Amount: amount})
}

func (c *Client) ClaimAuthorizedTransfer(ctx context.Context, recipient, pinHash, sender identity.Fixed) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeClaimTransfer, TransferCall{ID: recipient, PinHash: pinHash, Counterparty: sender})
}

func (c *Client) GrantDisclosurePermission(ctx context.Context, owner, pinHash, requester identity.Fixed, permission contract.PermissionType, bound, ttlSeconds uint64) (contract.Receipt, error) {
	return c.receiptCall(ctx, TypeGrantDisclosure, DisclosureCall{
		ID:         owner,
		PinHash:    pinHash,
		Requester:  requester,
		Permission: permission,
		Bound:      bound,
		TTLSeconds: ttlSeconds,
	})
}

func (c *Client) GetTokenBalance(ctx context.Context, id, pinHash identity.Fixed) (uint64, error) {
	var reply BalanceReply
	if err := c.call(ctx, TypeTokenBalance, AccountCall{ID: id, PinHash: pinHash}, &reply); err != nil {
		return 0, err
	}
	return reply.Balance, nil
}

func (c *Client) VerifyAccountStatus(ctx context.Context, id, pinHash identity.Fixed) (contract.AccountStatus, error) {
	var reply StatusReply
	if err := c.call(ctx, TypeVerifyStatus, AccountCall{ID: id, PinHash: pinHash}, &reply); err != nil {
		return contract.StatusInactive, err
	}
	return reply.Status, nil
}

func (c *Client) QueryState(ctx context.Context, address string) (*contract.Snapshot, error) {
	var snap contract.Snapshot
	if err := c.call(ctx, TypeQueryState, StateQuery{Address: address}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) DeployContract(ctx context.Context) (string, error) {
	var reply AddressReply
	if err := c.call(ctx, TypeDeployContract, struct{}{}, &reply); err != nil {
		return "", err
	}
	return reply.Address, nil
}

func (c *Client) LookupContract(ctx context.Context, address string) (*contract.Snapshot, error) {
	var snap contract.Snapshot
	if err := c.call(ctx, TypeLookupContract, StateQuery{Address: address}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StreamState polls the node and pushes a snapshot whenever the chain
// height moves, starting with the current state. A poll failure fires the
// error channel and ends the stream.
func (c *Client) StreamState(ctx context.Context, address string) (<-chan *contract.Snapshot, <-chan error, error) {
	first, err := c.QueryState(ctx, address)
	if err != nil {
		return nil, nil, err
	}

	snaps := make(chan *contract.Snapshot, 1)
	errs := make(chan error, 1)
	snaps <- first

	go func() {
		defer close(snaps)
		height := first.Height
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := c.QueryState(ctx, address)
				if err != nil {
					if ctx.Err() == nil {
						errs <- err
					}
					return
				}
				if snap.Height == height {
					continue
				}
				height = snap.Height
				// Latest wins: drop a stale undelivered snapshot.
				select {
				case snaps <- snap:
				default:
					select {
					case <-snaps:
					default:
					}
					snaps <- snap
				}
			}
		}
	}()
	return snaps, errs, nil
}
