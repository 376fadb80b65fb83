package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

const maxDisputeReasonLen = 1000

// DisputeService handles contesting decided proofs and their arbitration
type DisputeService struct {
	env    *Env
	ledger *Ledger
}

// NewDisputeService creates a new dispute service
func NewDisputeService(env *Env, ledger *Ledger) *DisputeService {
	return &DisputeService{env: env, ledger: ledger}
}

// OpenDisputeRequest represents a dispute against a proof
type OpenDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest represents an arbiter's resolution
type ResolveDisputeRequest struct {
	Outcome    string `json:"outcome" binding:"required"`
	Resolution string `json:"resolution"`
}

// OpenDispute contests a won proof. The disputer must be a participant or the organizer.
func (s *DisputeService) OpenDispute(ctx context.Context, disputerID, proofID uuid.UUID, req OpenDisputeRequest) (*models.Dispute, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validationf("a dispute needs a reason")
	}
	if len([]rune(reason)) > maxDisputeReasonLen {
		return nil, apperr.Validationf("reason must be at most %d characters", maxDisputeReasonLen)
	}

	var (
		d      *models.Dispute
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		proof, err := tx.GetProof(ctx, proofID)
		if err != nil {
			return err
		}
		if proof.UserID == disputerID {
			return apperr.Forbiddenf("cannot dispute your own proof")
		}
		c, err := tx.GetChallenge(ctx, proof.ChallengeID)
		if err != nil {
			return err
		}
		if c.Status == models.ChallengeStatusDistributing {
			return apperr.Conflictf("payouts for this pact are being distributed")
		}
		if c.CreatorID != disputerID {
			if _, err := tx.FindParticipation(ctx, c.ID, disputerID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return apperr.Forbiddenf("only participants or the organizer can dispute proofs")
				}
				return err
			}
		}
		p, err := tx.GetParticipation(ctx, proof.ParticipationID)
		if err != nil {
			return err
		}
		if p.Status != models.ParticipationWon {
			return apperr.Conflictf("only approved proofs can be disputed")
		}

		d = &models.Dispute{
			ID:           uuid.New(),
			ProofID:      proof.ID,
			ChallengeID:  c.ID,
			DisputerID:   disputerID,
			TargetUserID: proof.UserID,
			Reason:       reason,
			Status:       models.DisputePending,
			CreatedAt:    s.env.now(),
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.ErrAlreadyDisputed
			}
			return err
		}

		events = append(events, notify.Event{
			Kind:        notify.DisputeOpened,
			UserID:      proof.UserID,
			ChallengeID: c.ID,
			Message:     fmt.Sprintf("your proof for %s was disputed", c.Title),
		})
		if c.CreatorID != disputerID && c.CreatorID != proof.UserID {
			events = append(events, notify.Event{
				Kind:        notify.DisputeOpened,
				UserID:      c.CreatorID,
				ChallengeID: c.ID,
				Message:     fmt.Sprintf("a proof in %s was disputed", c.Title),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("dispute opened", "dispute_id", d.ID, "proof_id", proofID, "disputer_id", disputerID)
	return d, nil
}

// loadForArbiter loads an open dispute the actor may arbitrate.
func (s *DisputeService) loadForArbiter(ctx context.Context, tx storage.Tx, actor Actor, disputeID uuid.UUID) (*models.Dispute, *models.Challenge, error) {
	if !actor.HasRole(RoleArbiter) {
		return nil, nil, apperr.Forbiddenf("only arbiters can handle disputes")
	}
	d, err := tx.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	c, err := tx.GetChallenge(ctx, d.ChallengeID)
	if err != nil {
		return nil, nil, err
	}
	if c.CreatorID == actor.UserID {
		return nil, nil, apperr.Forbiddenf("the organizer cannot arbitrate disputes in their own pact")
	}
	if !d.Status.Open() {
		return nil, nil, apperr.ErrAlreadyResolved
	}
	return d, c, nil
}

// ReviewDispute marks a pending dispute as taken up by an arbiter.
func (s *DisputeService) ReviewDispute(ctx context.Context, actor Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	var d *models.Dispute
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		d, _, err = s.loadForArbiter(ctx, tx, actor, disputeID)
		if err != nil {
			return err
		}
		if d.Status != models.DisputePending {
			return apperr.Conflictf("dispute is already under review")
		}
		d.Status = models.DisputeUnderReview
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveDispute closes a dispute. Ruling for the disputer reverses the win and
// claws back any payout already credited.
func (s *DisputeService) ResolveDispute(ctx context.Context, actor Actor, disputeID uuid.UUID, outcome models.DisputeOutcome, resolution string) (*models.Dispute, error) {
	var (
		d      *models.Dispute
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		var (
			c   *models.Challenge
			err error
		)
		d, c, err = s.loadForArbiter(ctx, tx, actor, disputeID)
		if err != nil {
			return err
		}

		if outcome == models.OutcomeFavorDisputer {
			if c.Status == models.ChallengeStatusDistributing {
				return apperr.Conflictf("payouts for this pact are being distributed")
			}
			if err := s.reverseWin(ctx, tx, c, d); err != nil {
				return err
			}
		}

		now := s.env.now()
		d.Status = outcome.Status()
		d.ResolvedBy = &actor.UserID
		d.ResolvedAt = &now
		if r := strings.TrimSpace(resolution); r != "" {
			d.Resolution = &r
		}
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		msg := fmt.Sprintf("the dispute in %s was resolved: %s", c.Title, outcome)
		for _, uid := range []uuid.UUID{d.DisputerID, d.TargetUserID} {
			events = append(events, notify.Event{Kind: notify.DisputeResolved, UserID: uid, ChallengeID: c.ID, Message: msg})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("dispute resolved", "dispute_id", disputeID, "outcome", outcome, "arbiter_id", actor.UserID)
	return d, nil
}

func (s *DisputeService) reverseWin(ctx context.Context, tx storage.Tx, c *models.Challenge, d *models.Dispute) error {
	proof, err := tx.GetProof(ctx, d.ProofID)
	if err != nil {
		return err
	}
	p, err := tx.GetParticipation(ctx, proof.ParticipationID)
	if err != nil {
		return err
	}
	if p.Status != models.ParticipationWon {
		return nil
	}

	if p.SettledAt != nil && p.PayoutAmount.IsPositive() {
		if _, err := s.ledger.Debit(ctx, tx, p.UserID, p.PayoutAmount, Entry{
			Type:        models.TxnClawback,
			ChallengeID: &c.ID,
			Description: "Clawback: " + c.Title,
		}); err != nil {
			return err
		}
		if err := tx.MarkParticipationSettled(ctx, p.ID, decimal.Zero, s.env.now()); err != nil {
			return err
		}
	}

	for _, v := range []*models.Verdict{&proof.OrganizerValidation, &proof.CommunityValidation, &proof.MetricValidation} {
		if *v == models.VerdictApproved {
			*v = models.VerdictRejected
		}
	}
	proof.UpdatedAt = s.env.now()
	if err := tx.UpdateProofVerdicts(ctx, proof); err != nil {
		return err
	}
	if err := tx.UpdateParticipationStatus(ctx, p.ID, models.ParticipationLost); err != nil {
		return err
	}
	return tx.ApplyStats(ctx, p.UserID, models.StatsDelta{Wins: -1, Losses: 1, ResetStreak: true})
}
