package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pactstake/settlement/internal/models"
	"github.com/shopspring/decimal"
)

// ParticipantView is one row of a challenge's participant listing, joined with
// the user's display name and the proof state if a proof exists.
type ParticipantView struct {
	ParticipationID     uuid.UUID                  `db:"participation_id" json:"participation_id"`
	UserID              uuid.UUID                  `db:"user_id" json:"user_id"`
	DisplayName         string                     `db:"display_name" json:"display_name"`
	Stake               decimal.Decimal            `db:"stake" json:"stake"`
	Status              models.ParticipationStatus `db:"status" json:"status"`
	PayoutAmount        decimal.Decimal            `db:"payout_amount" json:"payout_amount"`
	ProofID             *uuid.UUID                 `db:"proof_id" json:"proof_id,omitempty"`
	Confidence          *string                    `db:"confidence" json:"confidence,omitempty"`
	OrganizerValidation *string                    `db:"organizer_validation" json:"organizer_validation,omitempty"`
	CommunityValidation *string                    `db:"community_validation" json:"community_validation,omitempty"`
	ApproveVotes        *int                       `db:"approve_votes" json:"approve_votes,omitempty"`
	RejectVotes         *int                       `db:"reject_votes" json:"reject_votes,omitempty"`
}

// ChallengeStats aggregates the cohort of one challenge.
type ChallengeStats struct {
	Participants int             `db:"participants" json:"participants"`
	TotalStaked  decimal.Decimal `db:"total_staked" json:"total_staked"`
	Won          int             `db:"won" json:"won"`
	Lost         int             `db:"lost" json:"lost"`
	Open         int             `db:"open" json:"open"`
}

// Views serves read-only listings assembled by the query layer.
type Views interface {
	ChallengeParticipants(ctx context.Context, challengeID uuid.UUID) ([]ParticipantView, error)
	ChallengeStats(ctx context.Context, challengeID uuid.UUID) (*ChallengeStats, error)
}

// SQLViews runs the listings through sqlx on top of the pgx pool.
type SQLViews struct {
	db *sqlx.DB
}

// NewSQLViews wraps the pool in a database/sql handle for sqlx.
func NewSQLViews(db *DB) *SQLViews {
	return &SQLViews{db: sqlx.NewDb(stdlib.OpenDBFromPool(db.Pool), "pgx")}
}

// Close releases the database/sql handle. The pool itself stays open.
func (v *SQLViews) Close() error {
	return v.db.Close()
}

func (v *SQLViews) ChallengeParticipants(ctx context.Context, challengeID uuid.UUID) ([]ParticipantView, error) {
	const q = `
SELECT p.id AS participation_id, p.user_id, u.display_name, p.stake, p.status, p.payout_amount,
       pr.id AS proof_id, pr.confidence, pr.organizer_validation, pr.community_validation,
       pr.approve_votes, pr.reject_votes
FROM participations p
JOIN users u ON u.id = p.user_id
LEFT JOIN proofs pr ON pr.participation_id = p.id
WHERE p.challenge_id = $1
ORDER BY p.created_at`
	rows := []ParticipantView{}
	if err := v.db.SelectContext(ctx, &rows, q, challengeID); err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return rows, nil
}

func (v *SQLViews) ChallengeStats(ctx context.Context, challengeID uuid.UUID) (*ChallengeStats, error) {
	const q = `
SELECT COUNT(p.id) AS participants,
       COALESCE(SUM(p.stake), 0) AS total_staked,
       COUNT(*) FILTER (WHERE p.status = 'won') AS won,
       COUNT(*) FILTER (WHERE p.status = 'lost') AS lost,
       COUNT(*) FILTER (WHERE p.status IN ('active', 'pending_validation')) AS open
FROM challenges c
LEFT JOIN participations p ON p.challenge_id = c.id
WHERE c.id = $1
GROUP BY c.id`
	var stats ChallengeStats
	if err := v.db.GetContext(ctx, &stats, q, challengeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load challenge stats: %w", err)
	}
	return &stats, nil
}

// ChallengeParticipants builds the same listing from the in-memory state.
func (m *MemStore) ChallengeParticipants(ctx context.Context, challengeID uuid.UUID) ([]ParticipantView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parts []models.Participation
	for _, p := range m.state.participations {
		if p.ChallengeID == challengeID {
			parts = append(parts, p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].CreatedAt.Before(parts[j].CreatedAt) })

	rows := make([]ParticipantView, 0, len(parts))
	for _, p := range parts {
		row := ParticipantView{
			ParticipationID: p.ID,
			UserID:          p.UserID,
			DisplayName:     m.state.users[p.UserID].DisplayName,
			Stake:           p.Stake,
			Status:          p.Status,
			PayoutAmount:    p.PayoutAmount,
		}
		for _, pr := range m.state.proofs {
			if pr.ParticipationID != p.ID {
				continue
			}
			id := pr.ID
			conf := string(pr.Confidence)
			org := string(pr.OrganizerValidation)
			com := string(pr.CommunityValidation)
			approve, reject := pr.ApproveVotes, pr.RejectVotes
			row.ProofID = &id
			row.Confidence = &conf
			row.OrganizerValidation = &org
			row.CommunityValidation = &com
			row.ApproveVotes = &approve
			row.RejectVotes = &reject
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *MemStore) ChallengeStats(ctx context.Context, challengeID uuid.UUID) (*ChallengeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.challenges[challengeID]; !ok {
		return nil, fmt.Errorf("challenge: %w", ErrNotFound)
	}
	stats := &ChallengeStats{TotalStaked: decimal.Zero}
	for _, p := range m.state.participations {
		if p.ChallengeID != challengeID {
			continue
		}
		stats.Participants++
		stats.TotalStaked = stats.TotalStaked.Add(p.Stake)
		switch p.Status {
		case models.ParticipationWon:
			stats.Won++
		case models.ParticipationLost:
			stats.Lost++
		default:
			stats.Open++
		}
	}
	return stats, nil
}
