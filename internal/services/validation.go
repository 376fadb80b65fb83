package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// ValidationService turns proofs into won/lost verdicts through the organizer,
// the community vote or a trusted metric source.
type ValidationService struct {
	env    *Env
	ledger *Ledger
}

// NewValidationService creates a new validation service
func NewValidationService(env *Env, ledger *Ledger) *ValidationService {
	return &ValidationService{env: env, ledger: ledger}
}

// DecisionRequest represents an organizer decision
type DecisionRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// VoteRequest represents a community vote
type VoteRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// MetricReport is a trusted measurement for one participation.
type MetricReport struct {
	ParticipationID uuid.UUID       `json:"participation_id" binding:"required"`
	Actual          decimal.Decimal `json:"actual"`
	Target          decimal.Decimal `json:"target"`
}

// VoteResult is the tally after a vote and whether it settled the proof.
type VoteResult struct {
	Vote    *models.Vote  `json:"vote"`
	Proof   *models.Proof `json:"proof"`
	Decided bool          `json:"decided"`
}

func verdictFor(approve bool) models.Verdict {
	if approve {
		return models.VerdictApproved
	}
	return models.VerdictRejected
}

// settleVerdict applies the terminal transition of a participation. In fixed
// settlement mode a win is paid out here; in pool mode money moves at distribution.
func (s *ValidationService) settleVerdict(ctx context.Context, tx storage.Tx, c *models.Challenge, p *models.Participation, won bool) ([]notify.Event, error) {
	if p.Status != models.ParticipationPendingValidation {
		return nil, apperr.Conflictf("participation is already %s", p.Status)
	}

	status := models.ParticipationLost
	delta := models.StatsDelta{Losses: 1, ResetStreak: true}
	if won {
		status = models.ParticipationWon
		delta = models.StatsDelta{Wins: 1, IncStreak: true}
	}
	if err := tx.UpdateParticipationStatus(ctx, p.ID, status); err != nil {
		return nil, err
	}
	if err := tx.ApplyStats(ctx, p.UserID, delta); err != nil {
		return nil, err
	}

	outcome := "rejected"
	if won {
		outcome = "approved"
	}
	events := []notify.Event{{
		Kind:        notify.ProofValidated,
		UserID:      p.UserID,
		ChallengeID: c.ID,
		Message:     fmt.Sprintf("your proof for %s was %s", c.Title, outcome),
	}}

	if won && c.SettlementMode == models.SettlementFixed {
		payout := p.Stake.Mul(decimal.NewFromInt(2)).Add(c.SponsorBonus)
		if _, err := s.ledger.Credit(ctx, tx, p.UserID, payout, Entry{
			Type:        models.TxnWin,
			ChallengeID: &c.ID,
			Description: "Win: " + c.Title,
		}); err != nil {
			return nil, err
		}
		now := s.env.now()
		if err := tx.CreateReward(ctx, &models.Reward{
			ID:              uuid.New(),
			UserID:          p.UserID,
			ChallengeID:     c.ID,
			ParticipationID: p.ID,
			Kind:            models.RewardWin,
			Amount:          payout,
			CreatedAt:       now,
		}); err != nil {
			return nil, err
		}
		if err := tx.MarkParticipationSettled(ctx, p.ID, payout, now); err != nil {
			return nil, err
		}
		events = append(events, notify.Event{
			Kind:        notify.Payout,
			UserID:      p.UserID,
			ChallengeID: c.ID,
			Message:     fmt.Sprintf("%s credited for %s", payout.StringFixed(2), c.Title),
		})
	}
	return events, nil
}

// Decide records the organizer's verdict on a proof and settles the participation.
func (s *ValidationService) Decide(ctx context.Context, actor Actor, proofID uuid.UUID, approve bool) (*models.Proof, error) {
	var (
		proof  *models.Proof
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		var err error
		proof, err = tx.GetProof(ctx, proofID)
		if err != nil {
			return err
		}
		c, err := tx.GetChallenge(ctx, proof.ChallengeID)
		if err != nil {
			return err
		}
		if c.CreatorID != actor.UserID {
			return apperr.Forbiddenf("only the organizer can decide on proofs")
		}
		if c.ValidationMode == models.ValidationMetric {
			return apperr.Conflictf("this pact is validated by metric reports")
		}
		p, err := tx.GetParticipation(ctx, proof.ParticipationID)
		if err != nil {
			return err
		}
		if p.Status != models.ParticipationPendingValidation {
			return apperr.Conflictf("proof has already been decided")
		}

		proof.OrganizerValidation = verdictFor(approve)
		proof.UpdatedAt = s.env.now()
		if err := tx.UpdateProofVerdicts(ctx, proof); err != nil {
			return err
		}
		events, err = s.settleVerdict(ctx, tx, c, p, approve)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("organizer decided proof", "proof_id", proofID, "approve", approve)
	return proof, nil
}

func (s *ValidationService) canVote(ctx context.Context, tx storage.Tx, c *models.Challenge, voterID uuid.UUID) (bool, error) {
	if c.Visibility == models.VisibilityGroup && c.GroupID != nil {
		return tx.IsGroupMember(ctx, *c.GroupID, voterID)
	}
	_, err := tx.FindParticipation(ctx, c.ID, voterID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CastVote records one peer vote. The proof is decided as soon as either side
// reaches the quorum fixed at submission.
func (s *ValidationService) CastVote(ctx context.Context, voterID, proofID uuid.UUID, approve bool) (*VoteResult, error) {
	var (
		result *VoteResult
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		now := s.env.now()
		proof, err := tx.GetProof(ctx, proofID)
		if err != nil {
			return err
		}
		if proof.UserID == voterID {
			return apperr.Forbiddenf("cannot vote on your own proof")
		}
		c, err := tx.GetChallenge(ctx, proof.ChallengeID)
		if err != nil {
			return err
		}
		if c.ValidationMode != models.ValidationCommunity {
			return apperr.Conflictf("this pact is not validated by community vote")
		}
		ok, err := s.canVote(ctx, tx, c, voterID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbiddenf("only participants or group members can vote")
		}
		p, err := tx.GetParticipation(ctx, proof.ParticipationID)
		if err != nil {
			return err
		}
		if p.Status != models.ParticipationPendingValidation {
			return apperr.Conflictf("voting on this proof is closed")
		}
		if proof.VoteDeadline != nil && now.After(*proof.VoteDeadline) {
			return apperr.Conflictf("the voting deadline has passed")
		}

		vote := &models.Vote{
			ID:        uuid.New(),
			ProofID:   proofID,
			VoterID:   voterID,
			Approve:   approve,
			CreatedAt: now,
		}
		if err := tx.CreateVote(ctx, vote); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.ErrAlreadyVoted
			}
			return err
		}

		tallied, err := tx.AddVoteToTally(ctx, proofID, approve)
		if err != nil {
			return err
		}
		result = &VoteResult{Vote: vote, Proof: tallied}

		events = append(events, notify.Event{
			Kind:        notify.VoteCast,
			UserID:      tallied.UserID,
			ChallengeID: c.ID,
			Message:     fmt.Sprintf("new vote on your proof for %s (%d/%d)", c.Title, tallied.ApproveVotes, tallied.RequiredVotes),
		})

		var won bool
		switch {
		case tallied.ApproveVotes >= tallied.RequiredVotes:
			won = true
		case tallied.RejectVotes >= tallied.RequiredVotes:
			won = false
		default:
			return nil
		}

		tallied.CommunityValidation = verdictFor(won)
		tallied.UpdatedAt = now
		if err := tx.UpdateProofVerdicts(ctx, tallied); err != nil {
			return err
		}
		settled, err := s.settleVerdict(ctx, tx, c, p, won)
		if err != nil {
			return err
		}
		events = append(events, settled...)
		result.Decided = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("vote cast",
		"proof_id", proofID,
		"voter_id", voterID,
		"approve", approve,
		"approve_votes", result.Proof.ApproveVotes,
		"reject_votes", result.Proof.RejectVotes,
		"decided", result.Decided,
	)
	return result, nil
}

// RecordMetric applies a trusted measurement. The participation is won when the
// actual value reaches the target; no human review is involved.
func (s *ValidationService) RecordMetric(ctx context.Context, source string, report MetricReport) (*models.Proof, error) {
	var (
		proof  *models.Proof
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		now := s.env.now()
		p, err := tx.GetParticipation(ctx, report.ParticipationID)
		if err != nil {
			return err
		}
		c, err := tx.GetChallenge(ctx, p.ChallengeID)
		if err != nil {
			return err
		}
		if c.ValidationMode != models.ValidationMetric {
			return apperr.Conflictf("this pact does not accept metric reports")
		}
		switch c.Status {
		case models.ChallengeStatusDistributing, models.ChallengeStatusCompleted, models.ChallengeStatusCancelled:
			return apperr.Conflictf("pact is %s", c.Status)
		}
		if p.Status.Terminal() {
			return apperr.Conflictf("participation is already %s", p.Status)
		}

		achieved := report.Actual.GreaterThanOrEqual(report.Target)
		proof, err = tx.FindProofByParticipation(ctx, p.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			proof = &models.Proof{
				ID:                  uuid.New(),
				ParticipationID:     p.ID,
				ChallengeID:         c.ID,
				UserID:              p.UserID,
				Kind:                models.ProofKindMetric,
				IntegrityScore:      100,
				Confidence:          models.ConfidenceHigh,
				IntegrityIssues:     []string{},
				OrganizerValidation: models.VerdictNone,
				CommunityValidation: models.VerdictNone,
				MetricValidation:    verdictFor(achieved),
				Value:               decimal.NewNullDecimal(report.Actual),
				TargetValue:         decimal.NewNullDecimal(report.Target),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := tx.CreateProof(ctx, proof); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			proof.MetricValidation = verdictFor(achieved)
			proof.Value = decimal.NewNullDecimal(report.Actual)
			proof.TargetValue = decimal.NewNullDecimal(report.Target)
			proof.UpdatedAt = now
			if err := tx.UpdateProofVerdicts(ctx, proof); err != nil {
				return err
			}
		}

		if p.Status == models.ParticipationActive {
			if err := tx.UpdateParticipationStatus(ctx, p.ID, models.ParticipationPendingValidation); err != nil {
				return err
			}
			p.Status = models.ParticipationPendingValidation
		}
		events, err = s.settleVerdict(ctx, tx, c, p, achieved)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("metric recorded",
		"source", source,
		"participation_id", report.ParticipationID,
		"actual", report.Actual.String(),
		"target", report.Target.String(),
		"achieved", proof.MetricValidation == models.VerdictApproved,
	)
	return proof, nil
}
