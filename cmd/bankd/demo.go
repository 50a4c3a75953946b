// demo.go - Scripted two-party demonstration against an embedded node.
//
// The demo walks the full protocol once: account creation, deposit and
// withdrawal, transfer authorization, an authorized send and its claim,
// and a disclosure grant with a threshold proof, an exact read, and a
// revocation. State is ephemeral; nothing touches the configured state
// directory.

package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/bank"
	"shieldedbank/internal/contract"
	"shieldedbank/internal/contract/httpnode"
	"shieldedbank/internal/contract/memnode"
	"shieldedbank/internal/deploy"
	"shieldedbank/internal/privstate"
)

const (
	demoAlicePIN = "1234"
	demoBobPIN   = "5678"
)

func runDemo(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	node := memnode.New()
	srv := httpnode.NewServer(node, "127.0.0.1:0", logger)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()
	client := httpnode.NewClient("http://"+srv.Addr(), logger)

	retrier := deploy.NewRetrier(client, cfg.DeployAttempts, time.Duration(cfg.DeployBaseDelayMS)*time.Millisecond, logger)
	address, err := retrier.Deploy(ctx)
	if err != nil {
		return err
	}
	logger.Info().Str("address", address).Msg("demo ledger contract deployed")

	newEngine := func(user string) (*bank.Engine, error) {
		e, err := bank.New(ctx, bank.Config{
			UserID:          user,
			ContractAddress: address,
			Circuits:        client,
			Source:          client,
			Store:           privstate.NewMemStore(),
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		e.Start(ctx)
		return e, nil
	}

	alice, err := newEngine("alice")
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := newEngine("bob")
	if err != nil {
		return err
	}
	defer bob.Close()

	// Account lifecycle.
	if err := alice.CreateAccount(ctx, demoAlicePIN, 5000); err != nil {
		return err
	}
	if err := bob.CreateAccount(ctx, demoBobPIN, 1000); err != nil {
		return err
	}
	if err := alice.Deposit(ctx, demoAlicePIN, 2500); err != nil {
		return err
	}
	if err := alice.Withdraw(ctx, demoAlicePIN, 1000); err != nil {
		return err
	}
	balance, err := alice.ContractBalance(ctx, demoAlicePIN)
	if err != nil {
		return err
	}
	logger.Info().Uint64("cents", balance).Msg("alice funded")

	// Authorized transfer: alice asks, bob approves, alice sends, bob claims.
	if err := alice.RequestTransferAuthorization(ctx, demoAlicePIN, "bob"); err != nil {
		return err
	}
	if err := bob.ApproveTransferAuthorization(ctx, demoBobPIN, "alice", 2000); err != nil {
		return err
	}
	if err := alice.SendToAuthorizedUser(ctx, demoAlicePIN, "bob", 1500); err != nil {
		return err
	}
	pending, err := bob.GetPendingClaims(ctx)
	if err != nil {
		return err
	}
	logger.Info().Interface("pending", pending).Msg("bob pending claims")
	claimed, err := bob.ClaimAuthorizedTransfer(ctx, demoBobPIN, "alice")
	if err != nil {
		return err
	}
	logger.Info().Uint64("cents", claimed).Msg("bob claimed transfer")

	// Disclosure: alice lets bob prove a threshold, then read exactly,
	// then revokes.
	if err := alice.GrantDisclosurePermission(ctx, demoAlicePIN, "bob", contract.PermissionThresholdDisclosure, 6000, time.Hour); err != nil {
		return err
	}
	ok, err := bob.VerifyBalanceThreshold(ctx, demoBobPIN, "alice", 4000)
	if err != nil {
		return err
	}
	logger.Info().Bool("meets_threshold", ok).Msg("threshold proof")

	if err := alice.GrantDisclosurePermission(ctx, demoAlicePIN, "bob", contract.PermissionExactDisclosure, 0, time.Hour); err != nil {
		return err
	}
	disclosed, err := bob.GetDisclosedBalance(ctx, demoBobPIN, "alice")
	if err != nil {
		return err
	}
	logger.Info().Uint64("cents", disclosed).Msg("exact disclosure")

	if err := alice.RevokeDisclosurePermission(ctx, demoAlicePIN, "bob"); err != nil {
		return err
	}
	logger.Info().Msg("disclosure revoked")

	// The client-owned audit trails.
	for name, e := range map[string]*bank.Engine{"alice": alice, "bob": bob} {
		entries, err := e.DetailedTransactionHistory(ctx)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			logger.Info().
				Str("user", name).
				Str("kind", string(entry.Kind)).
				Uint64("amount", entry.Amount).
				Int64("balance_after", entry.BalanceAfter).
				Str("counterparty", entry.Counterparty).
				Msg("audit entry")
		}
	}
	return nil
}
