package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/internal/storage"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Stage is the coarse position of a start attempt
type Stage string

const (
	StageIdle       Stage = "idle"
	StageBlockchain Stage = "blockchain"
	StageHub        Stage = "hub"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "error"
)

// StartInput selects the node to rent
type StartInput struct {
	NodeID         string   `validate:"required"`
	Provider       string   `validate:"required,eth_addr"`
	PricePerSecond *big.Int `validate:"required,gt=0"`
	Image          string
}

// StartStatus is what observers see at every step of a start
type StartStatus struct {
	Stage   Stage
	Tx      chain.TxState         // meaningful during StageBlockchain
	Attempt models.StartAttempt   // snapshot of the persisted attempt
	Session *models.RentalSession // set once the hub has created the session
	Err     *StageError           // set in StageFailed
}

// StartObserver receives start progress synchronously on the caller's goroutine
type StartObserver func(StartStatus)

// startRun carries the state of one StartRental call
type startRun struct {
	s         *Sequencer
	in        StartInput
	attempt   *models.StartAttempt
	session   *models.RentalSession
	observers []StartObserver
}

func (r *startRun) emit(stage Stage, tx chain.TxState, serr *StageError) {
	status := StartStatus{Stage: stage, Tx: tx, Session: r.session, Err: serr}
	if r.attempt != nil {
		status.Attempt = *r.attempt
	}
	for _, o := range r.observers {
		o(status)
	}
}

func (r *startRun) save(ctx context.Context, status models.AttemptStatus, cause error) {
	r.attempt.Status = status
	r.attempt.UpdatedAt = r.s.now()
	r.attempt.Error = ""
	if cause != nil {
		r.attempt.Error = cause.Error()
	}
	if err := r.s.attempts.Save(ctx, r.attempt); err != nil {
		r.s.logger.WarnContext(ctx, "failed to persist start attempt",
			slog.String("attempt_id", r.attempt.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}

func (r *startRun) fail(ctx context.Context, stage Stage, err error) error {
	serr := newStageError(stage, err)
	r.emit(StageFailed, chain.TxState{}, serr)
	metrics.RecordStartOutcome(string(stage), string(serr.Kind))
	r.s.logger.ErrorContext(ctx, "rental start failed",
		slog.String("stage", string(stage)),
		slog.String("kind", string(serr.Kind)),
		slog.String("node_id", r.in.NodeID),
		slog.String("error", err.Error()))
	return serr
}

// StartRental submits startRental on chain, registers the mined transaction
// with the hub and waits for the hub to confirm it. A previous attempt for the
// same wallet and node that failed after mining resumes at the hub stage.
func (s *Sequencer) StartRental(ctx context.Context, in StartInput, observers ...StartObserver) (*models.SSHCredentials, error) {
	started := s.now()
	r := &startRun{s: s, in: in, observers: observers}

	account, err := s.account()
	if err != nil {
		return nil, r.fail(ctx, StageIdle, err)
	}
	if !s.hub.HasAuth() {
		return nil, r.fail(ctx, StageIdle, ErrUnauthenticated)
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, r.fail(ctx, StageIdle, err)
	}

	ctx = logging.WithWallet(ctx, account.Hex())

	resumed, err := s.resumableAttempt(ctx, account, in.NodeID)
	if err != nil {
		return nil, r.fail(ctx, StageIdle, err)
	}

	if resumed != nil {
		r.attempt = resumed
		s.logger.InfoContext(ctx, "resuming start attempt at hub stage",
			slog.String("attempt_id", resumed.ID),
			slog.String("tx_hash", resumed.TxHash),
			slog.String("rental_id", resumed.RentalID.String()))
	} else {
		now := s.now()
		r.attempt = &models.StartAttempt{
			ID:        uuid.New().String(),
			Wallet:    account.Hex(),
			NodeID:    in.NodeID,
			Status:    models.AttemptSubmitting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.save(ctx, models.AttemptSubmitting, nil)

		if err := r.chainPhase(ctx); err != nil {
			r.save(ctx, models.AttemptChainError, err)
			return nil, r.fail(ctx, StageBlockchain, err)
		}
	}

	ctx = logging.WithRentalID(ctx, r.attempt.RentalID.String())
	ctx = logging.WithTxHash(ctx, r.attempt.TxHash)

	r.emit(StageHub, chain.TxState{}, nil)
	if err := r.hubPhase(ctx); err != nil {
		if sessionGone(err) {
			r.save(ctx, models.AttemptAbandoned, err)
		} else {
			// stays resumable: the chain phase is not repeated on the next call
			r.save(ctx, models.AttemptMined, err)
		}
		return nil, r.fail(ctx, StageHub, err)
	}

	r.save(ctx, models.AttemptComplete, nil)
	s.invalidator.Invalidate(ctx, cache.KeySessions, cache.KeyBalance, cache.KeyGPUs)
	r.emit(StageComplete, chain.TxState{}, nil)

	metrics.RecordStartOutcome(string(StageComplete), "")
	metrics.RecordStartDuration(s.now().Sub(started))
	logging.Audit(logging.WithSessionID(ctx, r.session.ID), "rental_start",
		slog.String("node_id", in.NodeID),
		slog.String("provider", in.Provider),
		slog.Bool("resumed", resumed != nil))

	creds := *r.session.SSH
	return &creds, nil
}

// resumableAttempt returns the latest attempt if it was mined but never
// completed and its session could still be confirmed
func (s *Sequencer) resumableAttempt(ctx context.Context, account common.Address, nodeID string) (*models.StartAttempt, error) {
	latest, err := s.attempts.Latest(ctx, account.Hex(), nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous start attempt: %w", err)
	}
	if !latest.Resumable() {
		return nil, nil
	}

	if age := s.now().Sub(latest.CreatedAt); s.pendingTTL > 0 && age > s.pendingTTL {
		latest.Status = models.AttemptAbandoned
		latest.Error = fmt.Sprintf("expired after %s without confirmation", age.Round(time.Second))
		latest.UpdatedAt = s.now()
		if err := s.attempts.Save(ctx, latest); err != nil {
			return nil, fmt.Errorf("failed to abandon stale start attempt: %w", err)
		}
		s.logger.InfoContext(ctx, "abandoned stale start attempt",
			slog.String("attempt_id", latest.ID),
			slog.String("session_id", latest.SessionID),
			slog.Duration("age", age))
		return nil, nil
	}
	return latest, nil
}

// sessionGone reports whether a hub failure means the session can never run
func sessionGone(err error) bool {
	return errors.Is(err, ErrSessionEnded) || errors.Is(err, hub.ErrSessionNotFound)
}

func (r *startRun) chainPhase(ctx context.Context) error {
	tracker := chain.NewTxTracker(chain.MethodStartRental, func(st chain.TxState) {
		r.emit(StageBlockchain, st, nil)
	})

	receipt, err := r.s.chain.StartRental(ctx, common.HexToAddress(r.in.Provider), r.in.PricePerSecond, tracker)
	if err != nil {
		return err
	}

	r.attempt.TxHash = receipt.TxHash.Hex()
	r.attempt.RentalID = models.NewWei(receipt.RentalID)
	r.save(ctx, models.AttemptMined, nil)

	logging.Audit(ctx, "rental_start_tx",
		slog.String("node_id", r.in.NodeID),
		slog.String("tx_hash", r.attempt.TxHash),
		slog.String("rental_id", receipt.RentalID.String()))
	return nil
}

// hubPhase registers the session and confirms it until the hub reports it running
func (r *startRun) hubPhase(ctx context.Context) error {
	s := r.s

	if r.attempt.SessionID == "" {
		req := hub.StartRequest{
			RentalID:        r.attempt.RentalID,
			TransactionHash: r.attempt.TxHash,
			Image:           r.in.Image,
		}
		err := s.retry(ctx, "start_session", func(ctx context.Context, _ int) (bool, error) {
			session, err := s.hub.StartSession(ctx, r.in.NodeID, req)
			if err != nil {
				return false, err
			}
			r.session = session
			return true, nil
		})
		if err != nil {
			return err
		}
		r.attempt.SessionID = r.session.ID
		r.save(ctx, models.AttemptMined, nil)
		r.emit(StageHub, chain.TxState{}, nil)
	}

	if r.session != nil && r.session.State == models.StateRunning {
		return requireSSH(r.session)
	}

	err := s.retry(ctx, "confirm_session", func(ctx context.Context, _ int) (bool, error) {
		res, err := s.hub.ConfirmSession(ctx, r.attempt.SessionID, r.attempt.TxHash)
		if err != nil {
			return false, err
		}
		if res.Indexing || res.Session == nil {
			return false, nil
		}
		r.session = res.Session
		switch res.Session.State {
		case models.StateRunning:
			return true, nil
		case models.StatePending:
			return false, nil
		default:
			return false, fmt.Errorf("session %s is %s: %w: %w", res.Session.ID, res.Session.State, ErrSessionEnded, hub.ErrConflict)
		}
	})
	if err != nil {
		return err
	}
	return requireSSH(r.session)
}

func requireSSH(session *models.RentalSession) error {
	if session.SSH == nil {
		return fmt.Errorf("session %s: %w", session.ID, ErrNoCredentials)
	}
	return nil
}
