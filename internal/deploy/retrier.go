// retrier.go - Bounded retry policy for contract deployment and lookup.
//
// Deployment and lookup are the only calls retried automatically; ordinary
// awaited circuit calls surface their errors to the caller. User rejection,
// insufficient balance, and timeouts abort immediately; everything else is
// treated as transient and retried with exponential backoff. On exhaustion
// the last error is surfaced verbatim.

package deploy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
)

// Sentinel errors for the non-retryable classes. Collaborator errors that
// cross a transport keep only their text, so classification also matches on
// message substrings.
var (
	ErrUserRejected        = errors.New("user rejected the transaction")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTimeout             = errors.New("operation timed out")
)

// nonRetryableMarkers are matched case-insensitively against error text.
var nonRetryableMarkers = []string{
	"user rejected",
	"user denied",
	"insufficient balance",
	"timed out",
	"timeout",
}

// IsNonRetryable reports whether the error must abort the retry loop.
func IsNonRetryable(err error) bool {
	if errors.Is(err, ErrUserRejected) || errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Deployer is the deployment/lookup surface of a contract node.
type Deployer interface {
	DeployContract(ctx context.Context) (string, error)
	LookupContract(ctx context.Context, address string) (*contract.Snapshot, error)
}

// Retrier wraps a Deployer with the bounded retry policy.
type Retrier struct {
	deployer    Deployer
	maxAttempts uint
	baseDelay   time.Duration
	log         zerolog.Logger
}

// NewRetrier builds a retrier with the given attempt cap and base delay;
// attempt n waits baseDelay * 2^(n-1) before attempt n+1, with no delay
// after the final attempt.
func NewRetrier(deployer Deployer, maxAttempts uint, baseDelay time.Duration, log zerolog.Logger) *Retrier {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Retrier{deployer: deployer, maxAttempts: maxAttempts, baseDelay: baseDelay, log: log}
}

// Deploy deploys the contract, retrying transient failures.
func (r *Retrier) Deploy(ctx context.Context) (string, error) {
	return retry(ctx, r, "deploy", func() (string, error) {
		return r.deployer.DeployContract(ctx)
	})
}

// Lookup resolves a deployed contract's state, retrying transient failures.
func (r *Retrier) Lookup(ctx context.Context, address string) (*contract.Snapshot, error) {
	return retry(ctx, r, "lookup", func() (*contract.Snapshot, error) {
		return r.deployer.LookupContract(ctx, address)
	})
}

func retry[T any](ctx context.Context, r *Retrier, label string, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if IsNonRetryable(err) {
			r.log.Warn().Err(err).Str("op", label).Int("attempt", attempt).Msg("non-retryable contract error")
			return v, backoff.Permanent(err)
		}
		r.log.Warn().Err(err).Str("op", label).Int("attempt", attempt).Msg("transient contract error, will retry")
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(r.maxAttempts))
}
