package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
)

// scriptedDeployer returns the queued errors in order, then succeeds.
type scriptedDeployer struct {
	errs     []error
	attempts int
}

func (d *scriptedDeployer) DeployContract(context.Context) (string, error) {
	d.attempts++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return "", err
	}
	return "contract-addr", nil
}

func (d *scriptedDeployer) LookupContract(context.Context, string) (*contract.Snapshot, error) {
	d.attempts++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	return &contract.Snapshot{Height: 1}, nil
}

func TestTransientErrorsAreRetried(t *testing.T) {
	d := &scriptedDeployer{errs: []error{
		errors.New("connection refused"),
		errors.New("connection reset by peer"),
	}}
	r := NewRetrier(d, 5, time.Millisecond, zerolog.Nop())

	addr, err := r.Deploy(context.Background())
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if addr != "contract-addr" {
		t.Errorf("unexpected address %q", addr)
	}
	if d.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", d.attempts)
	}
}

func TestUserRejectionAbortsImmediately(t *testing.T) {
	rejected := errors.New("user rejected the transaction in the wallet")
	d := &scriptedDeployer{errs: []error{rejected}}
	r := NewRetrier(d, 5, time.Millisecond, zerolog.Nop())

	_, err := r.Deploy(context.Background())
	if d.attempts != 1 {
		t.Errorf("expected no retries, got %d attempts", d.attempts)
	}
	if !errors.Is(err, rejected) {
		t.Errorf("original error must be surfaced unchanged, got %v", err)
	}
}

func TestExhaustionSurfacesLastError(t *testing.T) {
	last := errors.New("still unreachable")
	d := &scriptedDeployer{errs: []error{
		errors.New("unreachable 1"),
		errors.New("unreachable 2"),
		last,
	}}
	r := NewRetrier(d, 3, time.Millisecond, zerolog.Nop())

	_, err := r.Lookup(context.Background(), "addr")
	if d.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", d.attempts)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last error verbatim, got %v", err)
	}
}

func TestClassifier(t *testing.T) {
	cases := []struct {
		err          error
		nonRetryable bool
	}{
		{ErrUserRejected, true},
		{ErrInsufficientBalance, true},
		{ErrTimeout, true},
		{errors.New("Insufficient Balance for transfer"), true},
		{errors.New("request timed out after 30s"), true},
		{context.DeadlineExceeded, true},
		{errors.New("connection refused"), false},
		{errors.New("temporary failure in name resolution"), false},
	}
	for _, c := range cases {
		if got := IsNonRetryable(c.err); got != c.nonRetryable {
			t.Errorf("IsNonRetryable(%v) = %v, want %v", c.err, got, c.nonRetryable)
		}
	}
}
