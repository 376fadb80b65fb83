package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents an account. Balance is only mutated by the ledger.
type User struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	DisplayName     string          `db:"display_name" json:"display_name"`
	Balance         decimal.Decimal `db:"balance" json:"balance"`
	TotalPacts      int             `db:"total_pacts" json:"total_pacts"`
	TotalWins       int             `db:"total_wins" json:"total_wins"`
	TotalLosses     int             `db:"total_losses" json:"total_losses"`
	CurrentStreak   int             `db:"current_streak" json:"current_streak"`
	BestStreak      int             `db:"best_streak" json:"best_streak"`
	AgeVerified     bool            `db:"age_verified" json:"age_verified"`
	TermsAcceptedAt *time.Time      `db:"terms_accepted_at" json:"terms_accepted_at,omitempty"`
	KYCStatus       KYCStatus       `db:"kyc_status" json:"kyc_status"`
	Status          AccountStatus   `db:"status" json:"status"`
	TelegramChatID  *int64          `db:"telegram_chat_id" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// StatsDelta is applied to a user's win/loss counters in one write.
type StatsDelta struct {
	Pacts       int
	Wins        int
	Losses      int
	ResetStreak bool
	// IncStreak increments the current streak and lifts the best streak with it.
	IncStreak bool
}

// Group is a closed set of users for group-visibility pacts.
type Group struct {
	ID        uuid.UUID `db:"id" json:"id"`
	OwnerID   uuid.UUID `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GroupMember binds a user to a group.
type GroupMember struct {
	GroupID  uuid.UUID `db:"group_id" json:"group_id"`
	UserID   uuid.UUID `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// Challenge is a pact: a staked, time-boxed goal.
type Challenge struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	CreatorID         uuid.UUID       `db:"creator_id" json:"creator_id"`
	Title             string          `db:"title" json:"title"`
	Description       string          `db:"description" json:"description"`
	Category          Category        `db:"category" json:"category"`
	ProofRequirements string          `db:"proof_requirements" json:"proof_requirements"`
	MinStake          decimal.Decimal `db:"min_stake" json:"min_stake"`
	StartDate         time.Time       `db:"start_date" json:"start_date"`
	EndDate           time.Time       `db:"end_date" json:"end_date"`
	Visibility        Visibility      `db:"visibility" json:"visibility"`
	GroupID           *uuid.UUID      `db:"group_id" json:"group_id,omitempty"`
	ValidationMode    ValidationMode  `db:"validation_mode" json:"validation_mode"`
	SettlementMode    SettlementMode  `db:"settlement_mode" json:"settlement_mode"`
	SponsorName       *string         `db:"sponsor_name" json:"sponsor_name,omitempty"`
	SponsorBonus      decimal.Decimal `db:"sponsor_bonus" json:"sponsor_bonus"`
	Status            ChallengeStatus `db:"status" json:"status"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Duration is the length of the pact window.
func (c *Challenge) Duration() time.Duration {
	return c.EndDate.Sub(c.StartDate)
}

// Participation is one user's staked entry into a pact.
type Participation struct {
	ID           uuid.UUID           `db:"id" json:"id"`
	UserID       uuid.UUID           `db:"user_id" json:"user_id"`
	ChallengeID  uuid.UUID           `db:"challenge_id" json:"challenge_id"`
	Stake        decimal.Decimal     `db:"stake" json:"stake"`
	Status       ParticipationStatus `db:"status" json:"status"`
	PayoutAmount decimal.Decimal     `db:"payout_amount" json:"payout_amount"`
	SettledAt    *time.Time          `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// Proof is the single submission for a participation.
type Proof struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	ParticipationID     uuid.UUID           `db:"participation_id" json:"participation_id"`
	ChallengeID         uuid.UUID           `db:"challenge_id" json:"challenge_id"`
	UserID              uuid.UUID           `db:"user_id" json:"user_id"`
	Kind                ProofKind           `db:"kind" json:"kind"`
	ContentURL          string              `db:"content_url" json:"content_url,omitempty"`
	ContentHash         string              `db:"content_hash" json:"content_hash,omitempty"`
	Value               decimal.NullDecimal `db:"value" json:"value"`
	TargetValue         decimal.NullDecimal `db:"target_value" json:"target_value"`
	CapturedAt          *time.Time          `db:"captured_at" json:"captured_at,omitempty"`
	IntegrityScore      int                 `db:"integrity_score" json:"integrity_score"`
	Confidence          Confidence          `db:"confidence" json:"confidence"`
	IntegrityIssues     []string            `db:"integrity_issues" json:"integrity_issues"`
	OrganizerValidation Verdict             `db:"organizer_validation" json:"organizer_validation"`
	CommunityValidation Verdict             `db:"community_validation" json:"community_validation"`
	MetricValidation    Verdict             `db:"metric_validation" json:"metric_validation"`
	ApproveVotes        int                 `db:"approve_votes" json:"approve_votes"`
	RejectVotes         int                 `db:"reject_votes" json:"reject_votes"`
	RequiredVotes       int                 `db:"required_votes" json:"required_votes"`
	VoteDeadline        *time.Time          `db:"vote_deadline" json:"vote_deadline,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Vote is one peer's verdict on a proof.
type Vote struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProofID   uuid.UUID `db:"proof_id" json:"proof_id"`
	VoterID   uuid.UUID `db:"voter_id" json:"voter_id"`
	Approve   bool      `db:"approve" json:"approve"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Dispute contests a decided proof.
type Dispute struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	ProofID      uuid.UUID     `db:"proof_id" json:"proof_id"`
	ChallengeID  uuid.UUID     `db:"challenge_id" json:"challenge_id"`
	DisputerID   uuid.UUID     `db:"disputer_id" json:"disputer_id"`
	TargetUserID uuid.UUID     `db:"target_user_id" json:"target_user_id"`
	Reason       string        `db:"reason" json:"reason"`
	Status       DisputeStatus `db:"status" json:"status"`
	Resolution   *string       `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy   *uuid.UUID    `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	ResolvedAt   *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Transaction is the immutable audit record of a balance change.
type Transaction struct {
	ID           uuid.UUID           `db:"id" json:"id"`
	UserID       uuid.UUID           `db:"user_id" json:"user_id"`
	ChallengeID  *uuid.UUID          `db:"challenge_id" json:"challenge_id,omitempty"`
	Type         TransactionType     `db:"type" json:"type"`
	Amount       decimal.Decimal     `db:"amount" json:"amount"`
	BalanceAfter decimal.NullDecimal `db:"balance_after" json:"balance_after"`
	Status       TransactionStatus   `db:"status" json:"status"`
	Reference    string              `db:"reference" json:"reference"`
	Description  string              `db:"description" json:"description"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
}

// Reward records one distribution to one participant.
type Reward struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	UserID          uuid.UUID       `db:"user_id" json:"user_id"`
	ChallengeID     uuid.UUID       `db:"challenge_id" json:"challenge_id"`
	ParticipationID uuid.UUID       `db:"participation_id" json:"participation_id"`
	Kind            RewardKind      `db:"kind" json:"kind"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}
