package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = fmt.Errorf("%w: record", apperr.ErrNotFound)
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// Store opens units of work. Every mutation in the core runs inside WithTx so that
// the read-verify-write sequences of the ledger and the vote tally see a consistent
// view and either fully apply or not at all.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the repository surface available inside a unit of work. Reads of users,
// proofs and challenges lock the row in Postgres (SELECT ... FOR UPDATE).
type Tx interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	// AdjustBalance adds delta to the balance only if the result stays >= 0.
	// It reports false without error when the guard rejects the write.
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, bool, error)
	ApplyStats(ctx context.Context, userID uuid.UUID, d models.StatsDelta) error
	UpdateUserVerification(ctx context.Context, u *models.User) error

	// Groups
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	AddGroupMember(ctx context.Context, m *models.GroupMember) error
	IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	CountGroupMembers(ctx context.Context, groupID uuid.UUID) (int, error)

	// Challenges
	CreateChallenge(ctx context.Context, c *models.Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*models.Challenge, error)
	// TransitionChallenge moves the status only when the current one is in from.
	TransitionChallenge(ctx context.Context, id uuid.UUID, from []models.ChallengeStatus, to models.ChallengeStatus) (bool, error)
	ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus, startBefore time.Time) ([]models.Challenge, error)

	// Participations
	CreateParticipation(ctx context.Context, p *models.Participation) error
	GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error)
	FindParticipation(ctx context.Context, challengeID, userID uuid.UUID) (*models.Participation, error)
	ListParticipations(ctx context.Context, challengeID uuid.UUID) ([]models.Participation, error)
	CountParticipations(ctx context.Context, challengeID uuid.UUID) (int, error)
	UpdateParticipationStatus(ctx context.Context, id uuid.UUID, status models.ParticipationStatus) error
	MarkParticipationSettled(ctx context.Context, id uuid.UUID, payout decimal.Decimal, at time.Time) error

	// Proofs
	CreateProof(ctx context.Context, p *models.Proof) error
	GetProof(ctx context.Context, id uuid.UUID) (*models.Proof, error)
	FindProofByParticipation(ctx context.Context, participationID uuid.UUID) (*models.Proof, error)
	UpdateProofVerdicts(ctx context.Context, p *models.Proof) error
	// AddVoteToTally increments one side of the tally against the stored counts
	// and returns the proof as it is after the increment.
	AddVoteToTally(ctx context.Context, proofID uuid.UUID, approve bool) (*models.Proof, error)

	// Votes
	CreateVote(ctx context.Context, v *models.Vote) error

	// Disputes
	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	UpdateDispute(ctx context.Context, d *models.Dispute) error

	// Ledger records
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to models.TransactionStatus) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error)
	CreateReward(ctx context.Context, r *models.Reward) error
	ListRewards(ctx context.Context, challengeID uuid.UUID) ([]models.Reward, error)
}
