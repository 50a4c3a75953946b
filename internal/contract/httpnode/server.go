// server.go - HTTP front for a contract backend.

package httpnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"shieldedbank/internal/contract"
)

// Backend is the full node surface the server exposes: circuit mutations,
// state reads, and contract deployment.
type Backend interface {
	contract.Circuits
	contract.StateSource
	DeployContract(ctx context.Context) (string, error)
	LookupContract(ctx context.Context, address string) (*contract.Snapshot, error)
}

// Server serves a Backend over HTTP. All calls arrive as Message envelopes
// on POST /contract.
type Server struct {
	backend Backend
	address string
	log     zerolog.Logger

	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer wraps backend for serving on address. Pass a ":0" address to
// let the kernel pick a port; Addr reports the bound address after Start.
func NewServer(backend Backend, address string, log zerolog.Logger) *Server {
	return &Server{
		backend: backend,
		address: address,
		log:     log.With().Str("component", "httpnode").Logger(),
	}
}

// Start binds the listener and serves in the background. It returns once
// the server is accepting connections.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/contract", s.handleContract)

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", listener.Addr().String()).Msg("contract node listening")
		if err := s.httpSrv.Serve(listener); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("contract node server failed")
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits for the serve goroutine.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		s.log.Warn().Err(err).Msg("bad request envelope")
		return
	}

	payload, err := s.dispatch(r.Context(), msg)
	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		s.log.Debug().Str("type", msg.Type).Err(err).Msg("contract call failed")
	} else if payload != nil {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			http.Error(w, "response encoding failed", http.StatusInternalServerError)
			s.log.Error().Err(merr).Str("type", msg.Type).Msg("reply marshal failed")
			return
		}
		reply.Payload = raw
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.log.Warn().Err(err).Msg("reply write failed")
	}
}

// dispatch decodes the payload for the message type and invokes the
// backend. The returned value is marshaled into the reply payload.
func (s *Server) dispatch(ctx context.Context, msg Message) (any, error) {
	switch msg.Type {
	case TypeCreateAccount:
		var c AccountCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.CreateAccount(ctx, c.ID, c.PinHash, c.Amount)

	case TypeDeposit:
		var c AccountCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.Deposit(ctx, c.ID, c.PinHash, c.Amount)

	case TypeWithdraw:
		var c AccountCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.Withdraw(ctx, c.ID, c.PinHash, c.Amount)

	case TypeRequestAuthorization:
		var c TransferCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.RequestTransferAuthorization(ctx, c.ID, c.PinHash, c.Counterparty)

	case TypeApproveAuthorization:
		var c TransferCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.ApproveTransferAuthorization(ctx, c.ID, c.PinHash, c.Counterparty, c.Amount)

	case TypeSendTransfer:
		var c TransferCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.SendToAuthorizedUser(ctx, c.ID, c.PinHash, c.Counterparty, c.Amount)

	case TypeClaimTransfer:
		var c TransferCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.ClaimAuthorizedTransfer(ctx, c.ID, c.PinHash, c.Counterparty)

	case TypeGrantDisclosure:
		var c DisclosureCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.GrantDisclosurePermission(ctx, c.ID, c.PinHash, c.Requester, c.Permission, c.Bound, c.TTLSeconds)

	case TypeTokenBalance:
		var c AccountCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		balance, err := s.backend.GetTokenBalance(ctx, c.ID, c.PinHash)
		if err != nil {
			return nil, err
		}
		return BalanceReply{Balance: balance}, nil

	case TypeVerifyStatus:
		var c AccountCall
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		status, err := s.backend.VerifyAccountStatus(ctx, c.ID, c.PinHash)
		if err != nil {
			return nil, err
		}
		return StatusReply{Status: status}, nil

	case TypeQueryState:
		var q StateQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.QueryState(ctx, q.Address)

	case TypeLookupContract:
		var q StateQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return s.backend.LookupContract(ctx, q.Address)

	case TypeDeployContract:
		address, err := s.backend.DeployContract(ctx)
		if err != nil {
			return nil, err
		}
		return AddressReply{Address: address}, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}
