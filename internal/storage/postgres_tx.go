package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pactstake/settlement/internal/models"
	"github.com/shopspring/decimal"
)

type pgTx struct {
	tx pgx.Tx
}

const userColumns = `id, display_name, balance, total_pacts, total_wins, total_losses, current_streak,
	best_streak, age_verified, terms_accepted_at, kyc_status, status, telegram_chat_id, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Balance, &u.TotalPacts, &u.TotalWins, &u.TotalLosses,
		&u.CurrentStreak, &u.BestStreak, &u.AgeVerified, &u.TermsAcceptedAt, &u.KYCStatus, &u.Status,
		&u.TelegramChatID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, age_verified, terms_accepted_at, kyc_status, status, telegram_chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.DisplayName, u.Balance, u.AgeVerified, u.TermsAcceptedAt, u.KYCStatus, u.Status,
		u.TelegramChatID, u.CreatedAt, u.UpdatedAt)
	return mapErr(err, "failed to create user")
}

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err, "user")
	}
	return u, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, bool, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $1, updated_at = NOW()
		 WHERE id = $2 AND balance + $1 >= 0
		 RETURNING balance`,
		delta, userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, true, nil
}

func (t *pgTx) ApplyStats(ctx context.Context, userID uuid.UUID, d models.StatsDelta) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET
			total_pacts = total_pacts + $1,
			total_wins = GREATEST(total_wins + $2, 0),
			total_losses = total_losses + $3,
			current_streak = CASE WHEN $4 THEN 0 WHEN $5 THEN current_streak + 1 ELSE current_streak END,
			best_streak = CASE WHEN $5 AND NOT $4 THEN GREATEST(best_streak, current_streak + 1) ELSE best_streak END,
			updated_at = NOW()
		 WHERE id = $6`,
		d.Pacts, d.Wins, d.Losses, d.ResetStreak, d.IncStreak, userID)
	return mapErr(err, "failed to apply stats")
}

func (t *pgTx) UpdateUserVerification(ctx context.Context, u *models.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET age_verified = $1, terms_accepted_at = $2, kyc_status = $3, status = $4,
			telegram_chat_id = $5, updated_at = $6
		 WHERE id = $7`,
		u.AgeVerified, u.TermsAcceptedAt, u.KYCStatus, u.Status, u.TelegramChatID, u.UpdatedAt, u.ID)
	return mapErr(err, "failed to update user verification")
}

func (t *pgTx) CreateGroup(ctx context.Context, g *models.Group) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO groups (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)",
		g.ID, g.OwnerID, g.Name, g.CreatedAt)
	return mapErr(err, "failed to create group")
}

func (t *pgTx) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var g models.Group
	err := t.tx.QueryRow(ctx,
		"SELECT id, owner_id, name, created_at FROM groups WHERE id = $1", id).
		Scan(&g.ID, &g.OwnerID, &g.Name, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "group")
	}
	return &g, nil
}

func (t *pgTx) AddGroupMember(ctx context.Context, m *models.GroupMember) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO group_members (group_id, user_id, joined_at) VALUES ($1, $2, $3)",
		m.GroupID, m.UserID, m.JoinedAt)
	return mapErr(err, "failed to add group member")
}

func (t *pgTx) IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)",
		groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check group membership: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CountGroupMembers(ctx context.Context, groupID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, "SELECT COUNT(*) FROM group_members WHERE group_id = $1", groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count group members: %w", err)
	}
	return n, nil
}

const challengeColumns = `id, creator_id, title, description, category, proof_requirements, min_stake,
	start_date, end_date, visibility, group_id, validation_mode, settlement_mode, sponsor_name,
	sponsor_bonus, status, created_at, updated_at`

func scanChallenge(row pgx.Row) (*models.Challenge, error) {
	var c models.Challenge
	err := row.Scan(&c.ID, &c.CreatorID, &c.Title, &c.Description, &c.Category, &c.ProofRequirements,
		&c.MinStake, &c.StartDate, &c.EndDate, &c.Visibility, &c.GroupID, &c.ValidationMode,
		&c.SettlementMode, &c.SponsorName, &c.SponsorBonus, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO challenges (`+challengeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		c.ID, c.CreatorID, c.Title, c.Description, c.Category, c.ProofRequirements, c.MinStake,
		c.StartDate, c.EndDate, c.Visibility, c.GroupID, c.ValidationMode, c.SettlementMode,
		c.SponsorName, c.SponsorBonus, c.Status, c.CreatedAt, c.UpdatedAt)
	return mapErr(err, "failed to create challenge")
}

func (t *pgTx) GetChallenge(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	c, err := scanChallenge(t.tx.QueryRow(ctx,
		"SELECT "+challengeColumns+" FROM challenges WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err, "challenge")
	}
	return c, nil
}

func (t *pgTx) TransitionChallenge(ctx context.Context, id uuid.UUID, from []models.ChallengeStatus, to models.ChallengeStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := t.tx.Exec(ctx,
		"UPDATE challenges SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		to, id, fromStr)
	if err != nil {
		return false, fmt.Errorf("failed to transition challenge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus, startBefore time.Time) ([]models.Challenge, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+challengeColumns+" FROM challenges WHERE status = $1 AND start_date <= $2 ORDER BY start_date",
		status, startBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var challenges []models.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

const participationColumns = `id, user_id, challenge_id, stake, status, payout_amount, settled_at, created_at, updated_at`

func scanParticipation(row pgx.Row) (*models.Participation, error) {
	var p models.Participation
	err := row.Scan(&p.ID, &p.UserID, &p.ChallengeID, &p.Stake, &p.Status, &p.PayoutAmount,
		&p.SettledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) CreateParticipation(ctx context.Context, p *models.Participation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO participations (`+participationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.ChallengeID, p.Stake, p.Status, p.PayoutAmount, p.SettledAt, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "failed to create participation")
}

func (t *pgTx) GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	p, err := scanParticipation(t.tx.QueryRow(ctx,
		"SELECT "+participationColumns+" FROM participations WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err, "participation")
	}
	return p, nil
}

func (t *pgTx) FindParticipation(ctx context.Context, challengeID, userID uuid.UUID) (*models.Participation, error) {
	p, err := scanParticipation(t.tx.QueryRow(ctx,
		"SELECT "+participationColumns+" FROM participations WHERE challenge_id = $1 AND user_id = $2",
		challengeID, userID))
	if err != nil {
		return nil, mapErr(err, "participation")
	}
	return p, nil
}

func (t *pgTx) ListParticipations(ctx context.Context, challengeID uuid.UUID) ([]models.Participation, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+participationColumns+" FROM participations WHERE challenge_id = $1 ORDER BY created_at",
		challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participations: %w", err)
	}
	defer rows.Close()

	var out []models.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) CountParticipations(ctx context.Context, challengeID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, "SELECT COUNT(*) FROM participations WHERE challenge_id = $1", challengeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count participations: %w", err)
	}
	return n, nil
}

func (t *pgTx) UpdateParticipationStatus(ctx context.Context, id uuid.UUID, status models.ParticipationStatus) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE participations SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	return mapErr(err, "failed to update participation")
}

func (t *pgTx) MarkParticipationSettled(ctx context.Context, id uuid.UUID, payout decimal.Decimal, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE participations SET payout_amount = $1, settled_at = $2, updated_at = $2 WHERE id = $3",
		payout, at, id)
	return mapErr(err, "failed to settle participation")
}

const proofColumns = `id, participation_id, challenge_id, user_id, kind, content_url, content_hash, value,
	target_value, captured_at, integrity_score, confidence, integrity_issues, organizer_validation,
	community_validation, metric_validation, approve_votes, reject_votes, required_votes, vote_deadline,
	created_at, updated_at`

func scanProof(row pgx.Row) (*models.Proof, error) {
	var p models.Proof
	err := row.Scan(&p.ID, &p.ParticipationID, &p.ChallengeID, &p.UserID, &p.Kind, &p.ContentURL,
		&p.ContentHash, &p.Value, &p.TargetValue, &p.CapturedAt, &p.IntegrityScore, &p.Confidence,
		&p.IntegrityIssues, &p.OrganizerValidation, &p.CommunityValidation, &p.MetricValidation,
		&p.ApproveVotes, &p.RejectVotes, &p.RequiredVotes, &p.VoteDeadline, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) CreateProof(ctx context.Context, p *models.Proof) error {
	issues := p.IntegrityIssues
	if issues == nil {
		issues = []string{}
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO proofs (`+proofColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		p.ID, p.ParticipationID, p.ChallengeID, p.UserID, p.Kind, p.ContentURL, p.ContentHash, p.Value,
		p.TargetValue, p.CapturedAt, p.IntegrityScore, p.Confidence, issues, p.OrganizerValidation,
		p.CommunityValidation, p.MetricValidation, p.ApproveVotes, p.RejectVotes, p.RequiredVotes,
		p.VoteDeadline, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "failed to create proof")
}

func (t *pgTx) GetProof(ctx context.Context, id uuid.UUID) (*models.Proof, error) {
	p, err := scanProof(t.tx.QueryRow(ctx,
		"SELECT "+proofColumns+" FROM proofs WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err, "proof")
	}
	return p, nil
}

func (t *pgTx) FindProofByParticipation(ctx context.Context, participationID uuid.UUID) (*models.Proof, error) {
	p, err := scanProof(t.tx.QueryRow(ctx,
		"SELECT "+proofColumns+" FROM proofs WHERE participation_id = $1 FOR UPDATE", participationID))
	if err != nil {
		return nil, mapErr(err, "proof")
	}
	return p, nil
}

func (t *pgTx) UpdateProofVerdicts(ctx context.Context, p *models.Proof) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE proofs SET organizer_validation = $1, community_validation = $2, metric_validation = $3,
		 value = $4, target_value = $5, updated_at = $6
		 WHERE id = $7`,
		p.OrganizerValidation, p.CommunityValidation, p.MetricValidation, p.Value, p.TargetValue, p.UpdatedAt, p.ID)
	return mapErr(err, "failed to update proof")
}

func (t *pgTx) AddVoteToTally(ctx context.Context, proofID uuid.UUID, approve bool) (*models.Proof, error) {
	column := "reject_votes"
	if approve {
		column = "approve_votes"
	}
	p, err := scanProof(t.tx.QueryRow(ctx,
		"UPDATE proofs SET "+column+" = "+column+" + 1, updated_at = NOW() WHERE id = $1 RETURNING "+proofColumns,
		proofID))
	if err != nil {
		return nil, mapErr(err, "failed to tally vote")
	}
	return p, nil
}

func (t *pgTx) CreateVote(ctx context.Context, v *models.Vote) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO votes (id, proof_id, voter_id, approve, created_at) VALUES ($1, $2, $3, $4, $5)",
		v.ID, v.ProofID, v.VoterID, v.Approve, v.CreatedAt)
	return mapErr(err, "failed to record vote")
}

const disputeColumns = `id, proof_id, challenge_id, disputer_id, target_user_id, reason, status, resolution,
	resolved_by, created_at, resolved_at`

func (t *pgTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO disputes (`+disputeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.ProofID, d.ChallengeID, d.DisputerID, d.TargetUserID, d.Reason, d.Status, d.Resolution,
		d.ResolvedBy, d.CreatedAt, d.ResolvedAt)
	return mapErr(err, "failed to create dispute")
}

func (t *pgTx) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := t.tx.QueryRow(ctx,
		"SELECT "+disputeColumns+" FROM disputes WHERE id = $1 FOR UPDATE", id).
		Scan(&d.ID, &d.ProofID, &d.ChallengeID, &d.DisputerID, &d.TargetUserID, &d.Reason, &d.Status,
			&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, mapErr(err, "dispute")
	}
	return &d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE disputes SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4 WHERE id = $5",
		d.Status, d.Resolution, d.ResolvedBy, d.ResolvedAt, d.ID)
	return mapErr(err, "failed to update dispute")
}

func (t *pgTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, challenge_id, type, amount, balance_after, status, reference, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.UserID, txn.ChallengeID, txn.Type, txn.Amount, txn.BalanceAfter, txn.Status,
		txn.Reference, txn.Description, txn.CreatedAt)
	return mapErr(err, "failed to record transaction")
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to models.TransactionStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3", to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, challenge_id, type, amount, balance_after, status, reference, description, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, reference DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.ChallengeID, &txn.Type, &txn.Amount,
			&txn.BalanceAfter, &txn.Status, &txn.Reference, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (t *pgTx) CreateReward(ctx context.Context, r *models.Reward) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO rewards (id, user_id, challenge_id, participation_id, kind, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.UserID, r.ChallengeID, r.ParticipationID, r.Kind, r.Amount, r.CreatedAt)
	return mapErr(err, "failed to record reward")
}

func (t *pgTx) ListRewards(ctx context.Context, challengeID uuid.UUID) ([]models.Reward, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, challenge_id, participation_id, kind, amount, created_at
		 FROM rewards WHERE challenge_id = $1 ORDER BY created_at`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	defer rows.Close()

	var out []models.Reward
	for rows.Next() {
		var r models.Reward
		if err := rows.Scan(&r.ID, &r.UserID, &r.ChallengeID, &r.ParticipationID, &r.Kind, &r.Amount, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
