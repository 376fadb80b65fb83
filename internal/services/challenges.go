package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/classifier"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	minTitleLen       = 3
	maxTitleLen       = 120
	maxDescriptionLen = 2000
	maxGroupNameLen   = 60
)

// ChallengeService handles pact creation, activation, cancellation and groups
type ChallengeService struct {
	env      *Env
	ledger   *Ledger
	advisory *classifier.Advisory
}

// NewChallengeService creates a new challenge service
func NewChallengeService(env *Env, ledger *Ledger, advisory *classifier.Advisory) *ChallengeService {
	return &ChallengeService{env: env, ledger: ledger, advisory: advisory}
}

// CreateChallengeRequest represents a pact creation request
type CreateChallengeRequest struct {
	Title             string    `json:"title" binding:"required"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	ProofRequirements string    `json:"proof_requirements"`
	MinStake          string    `json:"min_stake" binding:"required"`
	StartDate         time.Time `json:"start_date" binding:"required"`
	EndDate           time.Time `json:"end_date" binding:"required"`
	Visibility        string    `json:"visibility"`
	GroupID           string    `json:"group_id"`
	ValidationMode    string    `json:"validation_mode"`
	SettlementMode    string    `json:"settlement_mode"`
	SponsorName       string    `json:"sponsor_name"`
	SponsorBonus      string    `json:"sponsor_bonus"`
	// CreatorStake, when set, enters the creator with this stake at creation.
	CreatorStake string `json:"creator_stake"`
}

// CreateGroupRequest represents a group creation request
type CreateGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

// AddMemberRequest adds a user to a group
type AddMemberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type challengeDraft struct {
	challenge    *models.Challenge
	creatorStake decimal.Decimal
	category     string
}

func (s *ChallengeService) validate(creatorID uuid.UUID, req CreateChallengeRequest, now time.Time) (*challengeDraft, error) {
	title := strings.TrimSpace(req.Title)
	if n := len([]rune(title)); n < minTitleLen || n > maxTitleLen {
		return nil, apperr.Validationf("title must be between %d and %d characters", minTitleLen, maxTitleLen)
	}
	if len(req.Description) > maxDescriptionLen {
		return nil, apperr.Validationf("description must be at most %d characters", maxDescriptionLen)
	}

	minStake, err := ParseAmount(req.MinStake)
	if err != nil {
		return nil, fmt.Errorf("min stake: %w", err)
	}
	if minStake.GreaterThan(s.env.Settings.MaxStake) {
		return nil, apperr.Validationf("min stake exceeds the platform maximum of %s", s.env.Settings.MaxStake.StringFixed(2))
	}

	start, end := req.StartDate.UTC(), req.EndDate.UTC()
	if !start.Before(end) {
		return nil, apperr.Validationf("start date must be before end date")
	}
	if !end.After(now) {
		return nil, apperr.Validationf("end date must be in the future")
	}

	visibility, err := models.ParseVisibility(req.Visibility)
	if err != nil {
		return nil, err
	}
	validation, err := models.ParseValidationMode(req.ValidationMode)
	if err != nil {
		return nil, err
	}
	settlement, err := models.ParseSettlementMode(req.SettlementMode)
	if err != nil {
		return nil, err
	}

	var groupID *uuid.UUID
	if visibility == models.VisibilityGroup {
		id, err := uuid.Parse(req.GroupID)
		if err != nil {
			return nil, apperr.Validationf("group pacts require a valid group id")
		}
		groupID = &id
	} else if req.GroupID != "" {
		return nil, apperr.Validationf("group id is only allowed for group pacts")
	}

	bonus := decimal.Zero
	if req.SponsorBonus != "" {
		bonus, err = decimal.NewFromString(req.SponsorBonus)
		if err != nil || bonus.IsNegative() {
			return nil, apperr.Validationf("sponsor bonus must be a non-negative amount")
		}
	}
	var sponsor *string
	if name := strings.TrimSpace(req.SponsorName); name != "" {
		sponsor = &name
	} else if bonus.IsPositive() {
		return nil, apperr.Validationf("a sponsor bonus requires a sponsor name")
	}

	creatorStake := decimal.Zero
	if req.CreatorStake != "" {
		creatorStake, err = ParseAmount(req.CreatorStake)
		if err != nil {
			return nil, err
		}
		if err := s.checkStake(creatorStake, minStake); err != nil {
			return nil, err
		}
	}

	status := models.ChallengeStatusActive
	if start.After(now) {
		status = models.ChallengeStatusPending
	}

	return &challengeDraft{
		challenge: &models.Challenge{
			ID:                uuid.New(),
			CreatorID:         creatorID,
			Title:             title,
			Description:       strings.TrimSpace(req.Description),
			ProofRequirements: strings.TrimSpace(req.ProofRequirements),
			MinStake:          minStake,
			StartDate:         start,
			EndDate:           end,
			Visibility:        visibility,
			GroupID:           groupID,
			ValidationMode:    validation,
			SettlementMode:    settlement,
			SponsorName:       sponsor,
			SponsorBonus:      bonus,
			Status:            status,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		creatorStake: creatorStake,
		category:     strings.ToLower(strings.TrimSpace(req.Category)),
	}, nil
}

func (s *ChallengeService) checkStake(stake, minStake decimal.Decimal) error {
	if stake.LessThan(minStake) {
		return apperr.Validationf("stake must be at least %s", minStake.StringFixed(2))
	}
	if stake.GreaterThan(s.env.Settings.MaxStake) {
		return apperr.Validationf("stake must be at most %s", s.env.Settings.MaxStake.StringFixed(2))
	}
	return nil
}

// CreateChallenge validates and stores a pact. The optional creator stake is
// debited in the same unit of work that creates the pact.
func (s *ChallengeService) CreateChallenge(ctx context.Context, creatorID uuid.UUID, req CreateChallengeRequest) (*models.Challenge, *models.Participation, error) {
	now := s.env.now()
	draft, err := s.validate(creatorID, req, now)
	if err != nil {
		return nil, nil, err
	}
	c := draft.challenge

	if draft.category != "" {
		if c.Category, err = models.ParseCategory(draft.category); err != nil {
			return nil, nil, err
		}
	} else {
		c.Category = s.advisory.Category(ctx, c.Title, c.Description)
	}
	if c.ProofRequirements == "" {
		c.ProofRequirements = s.advisory.ProofRequirements(ctx, c.Title, c.Category)
	}

	var creatorPart *models.Participation
	err = s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		creator, err := tx.GetUser(ctx, creatorID)
		if err != nil {
			return err
		}
		if creator.Status != models.AccountActive {
			return apperr.Forbiddenf("account is suspended")
		}

		if c.GroupID != nil {
			if _, err := tx.GetGroup(ctx, *c.GroupID); err != nil {
				return err
			}
			member, err := tx.IsGroupMember(ctx, *c.GroupID, creatorID)
			if err != nil {
				return err
			}
			if !member {
				return apperr.Forbiddenf("only group members can create group pacts")
			}
		}

		if err := tx.CreateChallenge(ctx, c); err != nil {
			return err
		}

		if draft.creatorStake.IsPositive() {
			if err := checkEligibility(creator); err != nil {
				return err
			}
			creatorPart, err = stakeParticipation(ctx, tx, s.ledger, c, creatorID, draft.creatorStake, now)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.env.logger().Infow("challenge created",
		"challenge_id", c.ID,
		"creator_id", creatorID,
		"status", c.Status,
		"validation_mode", c.ValidationMode,
		"settlement_mode", c.SettlementMode,
	)
	return c, creatorPart, nil
}

// GetChallenge retrieves a challenge by ID
func (s *ChallengeService) GetChallenge(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	var c *models.Challenge
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		c, err = tx.GetChallenge(ctx, id)
		return err
	})
	return c, err
}

// ActivateDue moves pending pacts whose start date has passed to active.
func (s *ChallengeService) ActivateDue(ctx context.Context) (int, error) {
	now := s.env.now()
	activated := 0
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		activated = 0
		due, err := tx.ListChallengesByStatus(ctx, models.ChallengeStatusPending, now)
		if err != nil {
			return err
		}
		for _, c := range due {
			ok, err := tx.TransitionChallenge(ctx, c.ID,
				[]models.ChallengeStatus{models.ChallengeStatusPending}, models.ChallengeStatusActive)
			if err != nil {
				return err
			}
			if ok {
				activated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if activated > 0 {
		s.env.logger().Infow("challenges activated", "count", activated)
	}
	return activated, nil
}

// CancelChallenge refunds every stake of a pact that has not started.
func (s *ChallengeService) CancelChallenge(ctx context.Context, actor Actor, id uuid.UUID) (*models.Challenge, error) {
	var (
		c      *models.Challenge
		events []notify.Event
	)
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		events = events[:0]
		var err error
		c, err = tx.GetChallenge(ctx, id)
		if err != nil {
			return err
		}
		if c.CreatorID != actor.UserID && !actor.HasRole(RoleAdmin) {
			return apperr.Forbiddenf("only the creator can cancel this pact")
		}

		ok, err := tx.TransitionChallenge(ctx, id,
			[]models.ChallengeStatus{models.ChallengeStatusPending}, models.ChallengeStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflictf("only pacts that have not started can be cancelled (status %s)", c.Status)
		}
		c.Status = models.ChallengeStatusCancelled

		parts, err := tx.ListParticipations(ctx, id)
		if err != nil {
			return err
		}
		now := s.env.now()
		for _, p := range parts {
			if p.SettledAt != nil {
				continue
			}
			if _, err := s.ledger.Credit(ctx, tx, p.UserID, p.Stake, Entry{
				Type:        models.TxnRefund,
				ChallengeID: &c.ID,
				Description: fmt.Sprintf("Refund: %s cancelled", c.Title),
			}); err != nil {
				return err
			}
			if err := tx.MarkParticipationSettled(ctx, p.ID, p.Stake, now); err != nil {
				return err
			}
			events = append(events, notify.Event{
				Kind:        notify.Refund,
				UserID:      p.UserID,
				ChallengeID: c.ID,
				Message:     fmt.Sprintf("%s was cancelled, %s returned", c.Title, p.Stake.StringFixed(2)),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.env.notify(events)
	s.env.logger().Infow("challenge cancelled", "challenge_id", id, "refunds", len(events))
	return c, nil
}

// CreateGroup creates a group with the owner as its first member.
func (s *ChallengeService) CreateGroup(ctx context.Context, ownerID uuid.UUID, req CreateGroupRequest) (*models.Group, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len([]rune(name)) > maxGroupNameLen {
		return nil, apperr.Validationf("group name must be between 1 and %d characters", maxGroupNameLen)
	}

	now := s.env.now()
	g := &models.Group{ID: uuid.New(), OwnerID: ownerID, Name: name, CreatedAt: now}
	err := s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, ownerID); err != nil {
			return err
		}
		if err := tx.CreateGroup(ctx, g); err != nil {
			return err
		}
		return tx.AddGroupMember(ctx, &models.GroupMember{GroupID: g.ID, UserID: ownerID, JoinedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// AddGroupMember lets the group owner add a user.
func (s *ChallengeService) AddGroupMember(ctx context.Context, actor Actor, groupID, userID uuid.UUID) error {
	return s.env.Store.WithTx(ctx, func(tx storage.Tx) error {
		g, err := tx.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.OwnerID != actor.UserID {
			return apperr.Forbiddenf("only the group owner can add members")
		}
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		err = tx.AddGroupMember(ctx, &models.GroupMember{GroupID: groupID, UserID: userID, JoinedAt: s.env.now()})
		if errors.Is(err, storage.ErrDuplicate) {
			return apperr.Conflictf("user is already a member of this group")
		}
		return err
	})
}
