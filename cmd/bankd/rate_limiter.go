// rate_limiter.go - Rate limiting of contract calls
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"shieldedbank/internal/contract"
	"shieldedbank/internal/identity"
)

// ErrRateLimited is returned when a contract call exceeds the configured
// rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   time.Now(),
		refillPeriod: refillPeriod,
	}
}

// Allow checks if a request is allowed and consumes a token if so
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	refillCount := int(now.Sub(rl.lastRefill) / rl.refillPeriod)
	if refillCount > 0 {
		rl.tokens += refillCount * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// GetTokens returns the current number of available tokens
func (rl *RateLimiter) GetTokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// Reset resets the rate limiter to its initial state
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.maxTokens
	rl.lastRefill = time.Now()
}

// limitedCircuits wraps a contract.Circuits with the rate limiter and the
// metrics collector. Every circuit call consumes a token and records its
// latency.
type limitedCircuits struct {
	inner   contract.Circuits
	limiter *RateLimiter
	metrics *MetricsCollector
}

func newLimitedCircuits(inner contract.Circuits, limiter *RateLimiter, metrics *MetricsCollector) *limitedCircuits {
	return &limitedCircuits{inner: inner, limiter: limiter, metrics: metrics}
}

// guard consumes a token for the named operation.
func (l *limitedCircuits) guard(operation string) error {
	if !l.limiter.Allow() {
		l.metrics.RecordRateLimited(operation)
		return ErrRateLimited
	}
	return nil
}

func (l *limitedCircuits) observe(operation string, start time.Time, err error) {
	l.metrics.RecordContractCall(operation, time.Since(start), err)
}

func (l *limitedCircuits) CreateAccount(ctx context.Context, id, pinHash identity.Fixed, initialDeposit uint64) (contract.Receipt, error) {
	if err := l.guard("create_account"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.CreateAccount(ctx, id, pinHash, initialDeposit)
	l.observe("create_account", start, err)
	return rcpt, err
}

func (l *limitedCircuits) Deposit(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	if err := l.guard("deposit"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.Deposit(ctx, id, pinHash, amount)
	l.observe("deposit", start, err)
	return rcpt, err
}

func (l *limitedCircuits) Withdraw(ctx context.Context, id, pinHash identity.Fixed, amount uint64) (contract.Receipt, error) {
	if err := l.guard("withdraw"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.Withdraw(ctx, id, pinHash, amount)
	l.observe("withdraw", start, err)
	return rcpt, err
}

func (l *limitedCircuits) RequestTransferAuthorization(ctx context.Context, sender, pinHash, recipient identity.Fixed) (contract.Receipt, error) {
	if err := l.guard("request_authorization"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.RequestTransferAuthorization(ctx, sender, pinHash, recipient)
	l.observe("request_authorization", start, err)
	return rcpt, err
}

func (l *limitedCircuits) ApproveTransferAuthorization(ctx context.Context, recipient, pinHash, sender identity.Fixed, maxAmount uint64) (contract.Receipt, error) {
	if err := l.guard("approve_authorization"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.ApproveTransferAuthorization(ctx, recipient, pinHash, sender, maxAmount)
	l.observe("approve_authorization", start, err)
	return rcpt, err
}

func (l *limitedCircuits) SendToAuthorizedUser(ctx context.Context, sender, pinHash, recipient identity.Fixed, amount uint64) (contract.Receipt, error) {
	if err := l.guard("send_transfer"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.SendToAuthorizedUser(ctx, sender, pinHash, recipient, amount)
	l.observe("send_transfer", start, err)
	return rcpt, err
}

func (l *limitedCircuits) ClaimAuthorizedTransfer(ctx context.Context, recipient, pinHash, sender identity.Fixed) (contract.Receipt, error) {
	if err := l.guard("claim_transfer"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.ClaimAuthorizedTransfer(ctx, recipient, pinHash, sender)
	l.observe("claim_transfer", start, err)
	return rcpt, err
}

func (l *limitedCircuits) GrantDisclosurePermission(ctx context.Context, owner, pinHash, requester identity.Fixed, permission contract.PermissionType, bound, ttlSeconds uint64) (contract.Receipt, error) {
	if err := l.guard("grant_disclosure"); err != nil {
		return contract.Receipt{}, err
	}
	start := time.Now()
	rcpt, err := l.inner.GrantDisclosurePermission(ctx, owner, pinHash, requester, permission, bound, ttlSeconds)
	l.observe("grant_disclosure", start, err)
	return rcpt, err
}

func (l *limitedCircuits) GetTokenBalance(ctx context.Context, id, pinHash identity.Fixed) (uint64, error) {
	if err := l.guard("token_balance"); err != nil {
		return 0, err
	}
	start := time.Now()
	balance, err := l.inner.GetTokenBalance(ctx, id, pinHash)
	l.observe("token_balance", start, err)
	return balance, err
}

func (l *limitedCircuits) VerifyAccountStatus(ctx context.Context, id, pinHash identity.Fixed) (contract.AccountStatus, error) {
	if err := l.guard("verify_status"); err != nil {
		return contract.StatusInactive, err
	}
	start := time.Now()
	status, err := l.inner.VerifyAccountStatus(ctx, id, pinHash)
	l.observe("verify_status", start, err)
	return status, err
}
