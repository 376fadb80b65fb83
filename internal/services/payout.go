package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// Payout is one planned credit of a distribution.
type Payout struct {
	ParticipationID uuid.UUID         `json:"participation_id"`
	UserID          uuid.UUID         `json:"user_id"`
	Kind            models.RewardKind `json:"kind"`
	Stake           decimal.Decimal   `json:"stake"`
	Share           decimal.Decimal   `json:"share"`
	Amount          decimal.Decimal   `json:"amount"`
}

// PayoutPlan is the full outcome of a pool settlement.
type PayoutPlan struct {
	LosersPot     decimal.Decimal `json:"losers_pot"`
	WinnersStake  decimal.Decimal `json:"winners_stake"`
	Commission    decimal.Decimal `json:"commission"`
	Distributable decimal.Decimal `json:"distributable"`
	Payouts       []Payout        `json:"payouts"`
}

// ComputePayouts splits the losers' pot among winners in proportion to their
// stakes, after commission. Shares are rounded per winner to the cent, so their
// sum may differ from Distributable by a few cents. Without winners every stake
// is refunded and no commission is taken.
func ComputePayouts(parts []models.Participation, commissionRate decimal.Decimal) PayoutPlan {
	plan := PayoutPlan{
		LosersPot:     decimal.Zero,
		WinnersStake:  decimal.Zero,
		Commission:    decimal.Zero,
		Distributable: decimal.Zero,
	}

	var winners []models.Participation
	for _, p := range parts {
		switch p.Status {
		case models.ParticipationWon:
			winners = append(winners, p)
			plan.WinnersStake = plan.WinnersStake.Add(p.Stake)
		case models.ParticipationLost:
			plan.LosersPot = plan.LosersPot.Add(p.Stake)
		}
	}

	if len(winners) == 0 {
		for _, p := range parts {
			plan.Payouts = append(plan.Payouts, Payout{
				ParticipationID: p.ID,
				UserID:          p.UserID,
				Kind:            models.RewardRefund,
				Stake:           p.Stake,
				Share:           decimal.Zero,
				Amount:          p.Stake,
			})
		}
		return plan
	}

	plan.Commission = plan.LosersPot.Mul(commissionRate).Round(2)
	plan.Distributable = plan.LosersPot.Sub(plan.Commission)
	for _, w := range winners {
		share := decimal.Zero
		if plan.WinnersStake.IsPositive() {
			share = plan.Distributable.Mul(w.Stake).Div(plan.WinnersStake).Round(2)
		}
		plan.Payouts = append(plan.Payouts, Payout{
			ParticipationID: w.ID,
			UserID:          w.UserID,
			Kind:            models.RewardWin,
			Stake:           w.Stake,
			Share:           share,
			Amount:          w.Stake.Add(share),
		})
	}
	return plan
}

// PayoutService settles a pact once every participation has a verdict
type PayoutService struct {
	env    *Env
	ledger *Ledger
}

// NewPayoutService creates a new payout service
func NewPayoutService(env *Env, ledger *Ledger) *PayoutService {
	return &PayoutService{env: env, ledger: ledger}
}

// DistributionResult summarizes a finished distribution.
type DistributionResult struct {
	Challenge *models.Challenge `json:"challenge"`
	Plan      PayoutPlan        `json:"plan"`
	Credited  int               `json:"credited"`
}

// Distribute moves an active pact to distributing, pays every winner (or refunds
// everyone when nobody won) and completes it. A second call is rejected.
func (s *PayoutService) Distribute(ctx context.Context, actor Actor, challengeID uuid.UUID) (*DistributionResult, error) {
	if !actor.HasRole(RoleArbiter) && !actor.HasRole(RoleAdmin) {
		return nil, apperr.Forbiddenf("only arbiters or admins can distribute payouts")
	}

	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		switch c.Status {
		case models.ChallengeStatusDistributing:
			return apperr.ErrAlreadyDistributing
		case models.ChallengeStatusCompleted:
			return apperr.ErrAlreadyCompleted
		case models.ChallengeStatusActive:
		default:
			return apperr.Conflictf("pact is %s and cannot be distributed", c.Status)
		}

		parts, err := tx.ListParticipations(ctx, challengeID)
		if err != nil {
			return err
		}
		open := 0
		for _, p := range parts {
			if !p.Status.Terminal() {
				open++
			}
		}
		if open > 0 {
			return apperr.Conflictf("%d participations are still awaiting a verdict", open)
		}

		ok, err := tx.TransitionChallenge(ctx, challengeID,
			[]models.ChallengeStatus{models.ChallengeStatusActive}, models.ChallengeStatusDistributing)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrAlreadyDistributing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.logger().Infow("distribution started", "challenge_id", challengeID)
	return s.settle(ctx, challengeID)
}

// ResumeDistribution finishes a distribution that stopped part way, skipping
// participations that were already credited.
func (s *PayoutService) ResumeDistribution(ctx context.Context, challengeID uuid.UUID) (*DistributionResult, error) {
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if c.Status != models.ChallengeStatusDistributing {
			return apperr.Conflictf("pact is %s, not distributing", c.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.logger().Infow("distribution resumed", "challenge_id", challengeID)
	return s.settle(ctx, challengeID)
}

// ResumeStalled resumes every pact left in distributing, typically after a
// restart. It returns how many distributions were completed.
func (s *PayoutService) ResumeStalled(ctx context.Context) (int, error) {
	var stalled []models.Challenge
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		stalled, err = tx.ListChallengesByStatus(ctx, models.ChallengeStatusDistributing, s.env.now())
		return err
	})
	if err != nil {
		return 0, err
	}

	done := 0
	for _, c := range stalled {
		if _, err := s.ResumeDistribution(ctx, c.ID); err != nil {
			return done, fmt.Errorf("resume %s: %w", c.ID, err)
		}
		done++
	}
	return done, nil
}

func (s *PayoutService) settle(ctx context.Context, challengeID uuid.UUID) (*DistributionResult, error) {
	var (
		c     *models.Challenge
		parts []models.Participation
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if c, err = tx.GetChallenge(ctx, challengeID); err != nil {
			return err
		}
		parts, err = tx.ListParticipations(ctx, challengeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &DistributionResult{Challenge: c}
	// Fixed pacts paid their winners at verdict time.
	if c.SettlementMode == models.SettlementPool {
		result.Plan = ComputePayouts(parts, s.env.Settings.CommissionRate(c.Visibility))
	} else {
		result.Plan = PayoutPlan{LosersPot: decimal.Zero, WinnersStake: decimal.Zero, Commission: decimal.Zero, Distributable: decimal.Zero}
	}

	for _, payout := range result.Plan.Payouts {
		credited, err := s.credit(ctx, c, payout)
		if err != nil {
			s.env.logger().Errorw("distribution interrupted",
				"challenge_id", challengeID, "participation_id", payout.ParticipationID, "error", err)
			return nil, fmt.Errorf("failed to credit participation %s: %w", payout.ParticipationID, err)
		}
		if credited {
			result.Credited++
		}
	}

	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.TransitionChallenge(ctx, challengeID,
			[]models.ChallengeStatus{models.ChallengeStatusDistributing}, models.ChallengeStatusCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrAlreadyCompleted
		}
		if result.Plan.Commission.IsPositive() {
			_, err := s.ledger.Record(ctx, tx, c.CreatorID, result.Plan.Commission, Entry{
				Type:        models.TxnCommission,
				ChallengeID: &c.ID,
				Description: "Commission: " + c.Title,
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Status = models.ChallengeStatusCompleted

	s.env.logger().Infow("distribution completed",
		"challenge_id", challengeID,
		"credited", result.Credited,
		"losers_pot", result.Plan.LosersPot.StringFixed(2),
		"commission", result.Plan.Commission.StringFixed(2),
	)
	return result, nil
}

// credit pays one participant in its own unit of work. It reports false when the
// participation was settled by an earlier run.
func (s *PayoutService) credit(ctx context.Context, c *models.Challenge, payout Payout) (bool, error) {
	var event *notify.Event
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		event = nil
		p, err := tx.GetParticipation(ctx, payout.ParticipationID)
		if err != nil {
			return err
		}
		if p.SettledAt != nil {
			return nil
		}

		txnType, kind, label := models.TxnWin, notify.Payout, "Win"
		if payout.Kind == models.RewardRefund {
			txnType, kind, label = models.TxnRefund, notify.Refund, "Refund"
		}
		if _, err := s.ledger.Credit(ctx, tx, payout.UserID, payout.Amount, Entry{
			Type:        txnType,
			ChallengeID: &c.ID,
			Description: fmt.Sprintf("%s: %s", label, c.Title),
		}); err != nil {
			return err
		}
		now := s.env.now()
		if err := tx.CreateReward(ctx, &models.Reward{
			ID:              uuid.New(),
			UserID:          payout.UserID,
			ChallengeID:     c.ID,
			ParticipationID: payout.ParticipationID,
			Kind:            payout.Kind,
			Amount:          payout.Amount,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		if err := tx.MarkParticipationSettled(ctx, payout.ParticipationID, payout.Amount, now); err != nil {
			return err
		}
		event = &notify.Event{
			Kind:        kind,
			UserID:      payout.UserID,
			ChallengeID: c.ID,
			Message:     fmt.Sprintf("%s credited for %s", payout.Amount.StringFixed(2), c.Title),
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}
	s.env.notify([]notify.Event{*event})
	return true, nil
}

// ListRewards returns the distributions recorded for a pact.
func (s *PayoutService) ListRewards(ctx context.Context, challengeID uuid.UUID) ([]models.Reward, error) {
	var rewards []models.Reward
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetChallenge(ctx, challengeID); err != nil {
			return err
		}
		var err error
		rewards, err = tx.ListRewards(ctx, challengeID)
		return err
	})
	return rewards, err
}
