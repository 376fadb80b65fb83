package models

import (
	"github.com/pactstake/settlement/internal/apperr"
)

// ChallengeStatus is the lifecycle of a pact.
type ChallengeStatus string

const (
	ChallengeStatusPending      ChallengeStatus = "pending"
	ChallengeStatusActive       ChallengeStatus = "active"
	ChallengeStatusDistributing ChallengeStatus = "distributing"
	ChallengeStatusCompleted    ChallengeStatus = "completed"
	ChallengeStatusCancelled    ChallengeStatus = "cancelled"
)

// Joinable reports whether new participations may be created.
func (s ChallengeStatus) Joinable() bool {
	return s == ChallengeStatusPending || s == ChallengeStatusActive
}

// Visibility decides who may see and join a pact and which commission tier applies.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityFriends Visibility = "friends"
	VisibilityGroup   Visibility = "group"
)

func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(s); v {
	case VisibilityPublic, VisibilityFriends, VisibilityGroup:
		return v, nil
	case "":
		return VisibilityPublic, nil
	}
	return "", apperr.Validationf("unknown visibility %q", s)
}

// ValidationMode selects which track may settle a proof.
type ValidationMode string

const (
	ValidationOrganizer ValidationMode = "organizer"
	ValidationCommunity ValidationMode = "community"
	ValidationMetric    ValidationMode = "metric"
)

func ParseValidationMode(s string) (ValidationMode, error) {
	switch v := ValidationMode(s); v {
	case ValidationOrganizer, ValidationCommunity, ValidationMetric:
		return v, nil
	case "":
		return ValidationOrganizer, nil
	}
	return "", apperr.Validationf("unknown validation mode %q", s)
}

// SettlementMode selects when winners are paid.
type SettlementMode string

const (
	// SettlementPool redistributes the losers' pot when the pact closes.
	SettlementPool SettlementMode = "pool"
	// SettlementFixed pays 2x stake plus sponsor bonus as soon as a win is decided.
	SettlementFixed SettlementMode = "fixed"
)

func ParseSettlementMode(s string) (SettlementMode, error) {
	switch v := SettlementMode(s); v {
	case SettlementPool, SettlementFixed:
		return v, nil
	case "":
		return SettlementPool, nil
	}
	return "", apperr.Validationf("unknown settlement mode %q", s)
}

// Category is the advisory classification of a pact.
type Category string

const (
	CategoryFitness  Category = "fitness"
	CategoryHealth   Category = "health"
	CategoryLearning Category = "learning"
	CategoryFinance  Category = "finance"
	CategoryHabits   Category = "habits"
	CategoryCreative Category = "creative"
	CategoryWork     Category = "work"
	CategoryOther    Category = "other"
)

var categories = map[Category]struct{}{
	CategoryFitness: {}, CategoryHealth: {}, CategoryLearning: {}, CategoryFinance: {},
	CategoryHabits: {}, CategoryCreative: {}, CategoryWork: {}, CategoryOther: {},
}

// ParseCategory accepts known categories only.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := categories[c]; ok {
		return c, nil
	}
	return "", apperr.Validationf("unknown category %q", s)
}

// ParticipationStatus is the per-user state machine. Awaiting proof is implicit:
// an active participation without a proof.
type ParticipationStatus string

const (
	ParticipationActive            ParticipationStatus = "active"
	ParticipationPendingValidation ParticipationStatus = "pending_validation"
	ParticipationWon               ParticipationStatus = "won"
	ParticipationLost              ParticipationStatus = "lost"
)

// Terminal reports whether the participation reached a verdict.
func (s ParticipationStatus) Terminal() bool {
	return s == ParticipationWon || s == ParticipationLost
}

// Verdict is the state of one validation track on a proof.
type Verdict string

const (
	VerdictNone     Verdict = "none"
	VerdictPending  Verdict = "pending"
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// ProofKind distinguishes uploaded evidence from trusted metric reports.
type ProofKind string

const (
	ProofKindMedia  ProofKind = "media"
	ProofKindMetric ProofKind = "metric"
)

// CaptureMethod is how the client obtained the media.
type CaptureMethod string

const (
	CaptureCamera  CaptureMethod = "camera"
	CaptureGallery CaptureMethod = "gallery"
	CaptureUnknown CaptureMethod = "unknown"
)

func ParseCaptureMethod(s string) CaptureMethod {
	switch m := CaptureMethod(s); m {
	case CaptureCamera, CaptureGallery:
		return m
	}
	return CaptureUnknown
}

// Confidence tiers produced by the integrity checker.
type Confidence string

const (
	ConfidenceHigh       Confidence = "high"
	ConfidenceMedium     Confidence = "medium"
	ConfidenceLow        Confidence = "low"
	ConfidenceSuspicious Confidence = "suspicious"
)

// DisputeStatus is the arbitration lifecycle.
type DisputeStatus string

const (
	DisputePending               DisputeStatus = "pending"
	DisputeUnderReview           DisputeStatus = "under_review"
	DisputeResolvedFavorDisputer DisputeStatus = "resolved_favor_disputer"
	DisputeResolvedFavorTarget   DisputeStatus = "resolved_favor_target"
	DisputeDismissed             DisputeStatus = "dismissed"
)

// Open reports whether the dispute still awaits a decision.
func (s DisputeStatus) Open() bool {
	return s == DisputePending || s == DisputeUnderReview
}

// DisputeOutcome is the arbiter's decision.
type DisputeOutcome string

const (
	OutcomeFavorDisputer DisputeOutcome = "favor_disputer"
	OutcomeFavorTarget   DisputeOutcome = "favor_target"
	OutcomeDismissed     DisputeOutcome = "dismissed"
)

func ParseDisputeOutcome(s string) (DisputeOutcome, error) {
	switch o := DisputeOutcome(s); o {
	case OutcomeFavorDisputer, OutcomeFavorTarget, OutcomeDismissed:
		return o, nil
	}
	return "", apperr.Validationf("unknown dispute outcome %q", s)
}

// Status maps the outcome to the terminal dispute status.
func (o DisputeOutcome) Status() DisputeStatus {
	switch o {
	case OutcomeFavorDisputer:
		return DisputeResolvedFavorDisputer
	case OutcomeFavorTarget:
		return DisputeResolvedFavorTarget
	default:
		return DisputeDismissed
	}
}

// TransactionType labels every balance change.
type TransactionType string

const (
	TxnDeposit       TransactionType = "deposit"
	TxnWithdrawal    TransactionType = "withdrawal"
	TxnBet           TransactionType = "bet"
	TxnWin           TransactionType = "win"
	TxnRefund        TransactionType = "refund"
	TxnReferralBonus TransactionType = "referral_bonus"
	TxnCommission    TransactionType = "commission"
	TxnClawback      TransactionType = "clawback"
)

// TransactionStatus only moves for withdrawals.
type TransactionStatus string

const (
	TxnPending   TransactionStatus = "pending"
	TxnCompleted TransactionStatus = "completed"
	TxnCancelled TransactionStatus = "cancelled"
)

// KYCStatus is issued by the KYC provider.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

func ParseKYCStatus(s string) (KYCStatus, error) {
	switch k := KYCStatus(s); k {
	case KYCNone, KYCPending, KYCVerified, KYCRejected:
		return k, nil
	}
	return "", apperr.Validationf("unknown kyc status %q", s)
}

// AccountStatus is a soft state; accounts are never deleted.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// RewardKind labels a distribution record.
type RewardKind string

const (
	RewardWin    RewardKind = "win"
	RewardRefund RewardKind = "refund"
)
