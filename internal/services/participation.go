package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/ids"
	"github.com/pactstake/settlement/internal/integrity"
	"github.com/pactstake/settlement/internal/media"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

// ParticipationService handles joining pacts and submitting proof
type ParticipationService struct {
	env     *Env
	ledger  *Ledger
	objects media.ObjectStore
}

// NewParticipationService creates a new participation service
func NewParticipationService(env *Env, ledger *Ledger, objects media.ObjectStore) *ParticipationService {
	return &ParticipationService{env: env, ledger: ledger, objects: objects}
}

// JoinRequest represents a join request
type JoinRequest struct {
	Stake string `json:"stake" binding:"required"`
}

// SubmitProofRequest is the proof metadata sent with (or instead of) media
type SubmitProofRequest struct {
	ContentURL       string     `json:"content_url"`
	ContentHash      string     `json:"content_hash"`
	Value            string     `json:"value"`
	CaptureMethod    string     `json:"capture_method"`
	CapturedAt       *time.Time `json:"captured_at"`
	ServerCapturedAt *time.Time `json:"server_captured_at"`
	Latitude         *float64   `json:"latitude"`
	Longitude        *float64   `json:"longitude"`
	AccuracyMeters   *float64   `json:"accuracy_meters"`
}

// MediaUpload is proof media received inline.
type MediaUpload struct {
	Data        []byte
	ContentType string
}

func checkEligibility(u *models.User) error {
	if u.Status != models.AccountActive {
		return apperr.Forbiddenf("account is suspended")
	}
	if !u.AgeVerified {
		return apperr.Forbiddenf("age verification is required to stake")
	}
	if u.TermsAcceptedAt == nil {
		return apperr.Forbiddenf("terms must be accepted before staking")
	}
	return nil
}

// stakeParticipation debits the stake, creates the participation and counts the
// pact for the user, all in the caller's unit of work.
func stakeParticipation(ctx context.Context, tx storage.Tx, ledger *Ledger, c *models.Challenge, userID uuid.UUID, stake decimal.Decimal, now time.Time) (*models.Participation, error) {
	if _, err := ledger.Debit(ctx, tx, userID, stake, Entry{
		Type:        models.TxnBet,
		ChallengeID: &c.ID,
		Description: "Stake: " + c.Title,
	}); err != nil {
		return nil, err
	}

	p := &models.Participation{
		ID:           uuid.New(),
		UserID:       userID,
		ChallengeID:  c.ID,
		Stake:        stake,
		Status:       models.ParticipationActive,
		PayoutAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.CreateParticipation(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.ErrAlreadyJoined
		}
		return nil, err
	}
	if err := tx.ApplyStats(ctx, userID, models.StatsDelta{Pacts: 1}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ParticipationService) isLong(c *models.Challenge) bool {
	return c.Duration() > s.env.Settings.LongPactThreshold
}

// Join stakes the user into a pact.
func (s *ParticipationService) Join(ctx context.Context, userID, challengeID uuid.UUID, stake decimal.Decimal) (*models.Participation, error) {
	var p *models.Participation
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.env.now()
		c, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if !c.Status.Joinable() {
			return apperr.Conflictf("pact is %s and no longer accepts participants", c.Status)
		}
		if !now.Before(c.EndDate) {
			return apperr.Conflictf("pact has ended")
		}
		if s.isLong(c) && !now.Before(c.StartDate) {
			return apperr.Conflictf("pacts longer than %s cannot be joined after they start", s.env.Settings.LongPactThreshold)
		}
		if c.CreatorID == userID {
			return apperr.Forbiddenf("the creator enters a pact with the creation stake")
		}
		if stake.LessThan(c.MinStake) {
			return apperr.Validationf("stake must be at least %s", c.MinStake.StringFixed(2))
		}
		if stake.GreaterThan(s.env.Settings.MaxStake) {
			return apperr.Validationf("stake must be at most %s", s.env.Settings.MaxStake.StringFixed(2))
		}
		if c.Visibility == models.VisibilityGroup && c.GroupID != nil {
			member, err := tx.IsGroupMember(ctx, *c.GroupID, userID)
			if err != nil {
				return err
			}
			if !member {
				return apperr.Forbiddenf("only group members can join this pact")
			}
		}

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := checkEligibility(user); err != nil {
			return err
		}

		if _, err := tx.FindParticipation(ctx, challengeID, userID); err == nil {
			return apperr.ErrAlreadyJoined
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		p, err = stakeParticipation(ctx, tx, s.ledger, c, userID, stake, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.env.logger().Infow("participant joined", "challenge_id", challengeID, "user_id", userID, "stake", stake.StringFixed(2))
	return p, nil
}

// checkProofWindow enforces when proof is accepted: after start, after the end
// for long pacts, and never after the end plus the grace period.
func (s *ParticipationService) checkProofWindow(c *models.Challenge, now time.Time) error {
	switch c.Status {
	case models.ChallengeStatusPending, models.ChallengeStatusActive:
	default:
		return apperr.Conflictf("pact is %s and no longer accepts proof", c.Status)
	}
	if now.Before(c.StartDate) {
		return apperr.Conflictf("pact has not started")
	}
	if s.isLong(c) && now.Before(c.EndDate) {
		return apperr.Conflictf("proof for this pact is accepted from %s", c.EndDate.Format(time.RFC3339))
	}
	if now.After(c.EndDate.Add(s.env.Settings.GracePeriod)) {
		return apperr.Conflictf("the proof submission window has closed")
	}
	return nil
}

func (s *ParticipationService) loadForProof(ctx context.Context, tx storage.Tx, userID, participationID uuid.UUID, now time.Time) (*models.Participation, *models.Challenge, error) {
	p, err := tx.GetParticipation(ctx, participationID)
	if err != nil {
		return nil, nil, err
	}
	if p.UserID != userID {
		return nil, nil, apperr.Forbiddenf("participation belongs to another user")
	}
	c, err := tx.GetChallenge(ctx, p.ChallengeID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkProofWindow(c, now); err != nil {
		return nil, nil, err
	}
	if _, err := tx.FindProofByParticipation(ctx, p.ID); err == nil {
		return nil, nil, apperr.ErrAlreadySubmitted
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if p.Status != models.ParticipationActive {
		return nil, nil, apperr.Conflictf("participation is %s", p.Status)
	}
	return p, c, nil
}

// requiredVotes fixes the quorum when the proof is submitted.
func requiredVotes(ctx context.Context, tx storage.Tx, c *models.Challenge, submitterID uuid.UUID, thresholdPct int) (int, error) {
	if c.Visibility == models.VisibilityGroup && c.GroupID != nil {
		size, err := tx.CountGroupMembers(ctx, *c.GroupID)
		if err != nil {
			return 0, err
		}
		member, err := tx.IsGroupMember(ctx, *c.GroupID, submitterID)
		if err != nil {
			return 0, err
		}
		if member {
			size--
		}
		return GroupQuorum(size, thresholdPct), nil
	}

	n, err := tx.CountParticipations(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	return FixedQuorum(n), nil
}

// FixedQuorum is max(2, floor(participants/2)).
func FixedQuorum(participants int) int {
	if q := participants / 2; q > 2 {
		return q
	}
	return 2
}

// GroupQuorum is ceil(others * pct / 100), at least one vote.
func GroupQuorum(others, pct int) int {
	q := (others*pct + 99) / 100
	if q < 1 {
		return 1
	}
	return q
}

// SubmitProof scores, stores and records the single proof of a participation.
// Proofs scoring below the integrity floor are refused before anything is saved.
func (s *ParticipationService) SubmitProof(ctx context.Context, userID, participationID uuid.UUID, req SubmitProofRequest, upload *MediaUpload) (*models.Proof, error) {
	now := s.env.now()

	var c *models.Challenge
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		_, c, err = s.loadForProof(ctx, tx, userID, participationID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	var value decimal.NullDecimal
	if v := strings.TrimSpace(req.Value); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, apperr.Validationf("invalid proof value %q", req.Value)
		}
		value = decimal.NewNullDecimal(d)
	}

	contentHash := strings.ToLower(strings.TrimSpace(req.ContentHash))
	mismatch := false
	if upload != nil {
		if len(upload.Data) == 0 {
			return nil, apperr.Validationf("uploaded media is empty")
		}
		computed := media.ContentHash(upload.Data)
		mismatch = contentHash != "" && contentHash != computed
		contentHash = computed
	} else if strings.TrimSpace(req.ContentURL) == "" {
		return nil, apperr.Validationf("proof requires media or a content url")
	}

	result := integrity.Score(integrity.Metadata{
		CaptureMethod:    models.ParseCaptureMethod(req.CaptureMethod),
		CapturedAt:       req.CapturedAt,
		ServerCapturedAt: req.ServerCapturedAt,
		SubmittedAt:      now,
		ContentHash:      contentHash,
		HashMismatch:     mismatch,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		AccuracyMeters:   req.AccuracyMeters,
		WindowStart:      c.StartDate,
		WindowEnd:        c.EndDate,
	})
	verdict := s.env.Settings.Integrity.Verdict(result)
	if verdict == integrity.Reject {
		s.env.logger().Warnw("proof rejected by integrity check",
			"participation_id", participationID, "score", result.Score, "issues", result.Issues)
		return nil, &apperr.IntegrityError{Score: result.Score, Issues: result.Issues}
	}

	contentURL := strings.TrimSpace(req.ContentURL)
	var mediaKey string
	if upload != nil {
		mediaKey = ids.NewKSUID() + media.Extension(upload.ContentType)
		contentURL, err = s.objects.Put(ctx, mediaKey, upload.Data, upload.ContentType)
		if err != nil {
			return nil, fmt.Errorf("failed to store proof media: %w", err)
		}
	}

	var (
		proof  *models.Proof
		events []notify.Event
	)
	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		now := s.env.now()
		p, c, err := s.loadForProof(ctx, tx, userID, participationID, now)
		if err != nil {
			return err
		}

		required, err := requiredVotes(ctx, tx, c, userID, s.env.Settings.GroupVoteThresholdPct)
		if err != nil {
			return err
		}

		proof = &models.Proof{
			ID:                  uuid.New(),
			ParticipationID:     p.ID,
			ChallengeID:         c.ID,
			UserID:              userID,
			Kind:                models.ProofKindMedia,
			ContentURL:          contentURL,
			ContentHash:         contentHash,
			Value:               value,
			CapturedAt:          req.CapturedAt,
			IntegrityScore:      result.Score,
			Confidence:          result.Confidence,
			IntegrityIssues:     result.Issues,
			OrganizerValidation: models.VerdictNone,
			CommunityValidation: models.VerdictNone,
			MetricValidation:    models.VerdictNone,
			RequiredVotes:       required,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		switch c.ValidationMode {
		case models.ValidationOrganizer:
			proof.OrganizerValidation = models.VerdictPending
		case models.ValidationCommunity:
			proof.OrganizerValidation = models.VerdictPending
			proof.CommunityValidation = models.VerdictPending
			deadline := now.Add(s.env.Settings.VoteWindow)
			proof.VoteDeadline = &deadline
		case models.ValidationMetric:
			proof.MetricValidation = models.VerdictPending
		}

		if err := tx.CreateProof(ctx, proof); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return apperr.ErrAlreadySubmitted
			}
			return err
		}
		if err := tx.UpdateParticipationStatus(ctx, p.ID, models.ParticipationPendingValidation); err != nil {
			return err
		}

		msg := fmt.Sprintf("new proof for %s", c.Title)
		events = append(events, notify.Event{Kind: notify.ProofSubmitted, UserID: c.CreatorID, ChallengeID: c.ID, Message: msg})
		if c.ValidationMode == models.ValidationCommunity {
			parts, err := tx.ListParticipations(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, other := range parts {
				if other.UserID != userID && other.UserID != c.CreatorID {
					events = append(events, notify.Event{Kind: notify.ProofSubmitted, UserID: other.UserID, ChallengeID: c.ID, Message: msg})
				}
			}
		}
		return nil
	})
	if err != nil {
		if mediaKey != "" {
			if derr := s.objects.Delete(ctx, mediaKey); derr != nil {
				s.env.logger().Warnw("failed to remove orphaned proof media", "key", mediaKey, "error", derr)
			}
		}
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("proof submitted",
		"proof_id", proof.ID,
		"participation_id", participationID,
		"score", result.Score,
		"confidence", result.Confidence,
		"flagged", verdict == integrity.Flag,
		"required_votes", proof.RequiredVotes,
	)
	return proof, nil
}

// ExpireNoShows settles as lost every active participation whose pact closed its
// proof window without a submission, so the pact can be distributed. It returns
// how many participations were expired.
func (s *ParticipationService) ExpireNoShows(ctx context.Context) (int, error) {
	var (
		expired int
		events  []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		expired, events = 0, events[:0]
		now := s.env.now()
		for _, status := range []models.ChallengeStatus{models.ChallengeStatusPending, models.ChallengeStatusActive} {
			challenges, err := tx.ListChallengesByStatus(ctx, status, now)
			if err != nil {
				return err
			}
			for _, c := range challenges {
				if !now.After(c.EndDate.Add(s.env.Settings.GracePeriod)) {
					continue
				}
				parts, err := tx.ListParticipations(ctx, c.ID)
				if err != nil {
					return err
				}
				for _, p := range parts {
					if p.Status != models.ParticipationActive {
						continue
					}
					if err := tx.UpdateParticipationStatus(ctx, p.ID, models.ParticipationLost); err != nil {
						return err
					}
					if err := tx.ApplyStats(ctx, p.UserID, models.StatsDelta{Losses: 1, ResetStreak: true}); err != nil {
						return err
					}
					events = append(events, notify.Event{
						Kind:        notify.ProofValidated,
						UserID:      p.UserID,
						ChallengeID: c.ID,
						Message:     fmt.Sprintf("no proof was submitted for %s", c.Title),
					})
					expired++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.env.notify(events)
	if expired > 0 {
		s.env.logger().Infow("participations expired without proof", "count", expired)
	}
	return expired, nil
}

// GetProof retrieves a proof by ID
func (s *ParticipationService) GetProof(ctx context.Context, id uuid.UUID) (*models.Proof, error) {
	var p *models.Proof
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetProof(ctx, id)
		return err
	})
	return p, err
}
