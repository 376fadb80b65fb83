package services

import (
	"testing"
	"time"

	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/classifier"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeService_CreateChallengeValidation(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "100")

	tests := []struct {
		name   string
		mutate func(req *CreateChallengeRequest)
	}{
		{"short title", func(req *CreateChallengeRequest) { req.Title = "ab" }},
		{"zero min stake", func(req *CreateChallengeRequest) { req.MinStake = "0" }},
		{"min stake above max", func(req *CreateChallengeRequest) { req.MinStake = "5000" }},
		{"start after end", func(req *CreateChallengeRequest) { req.StartDate = req.EndDate.Add(time.Hour) }},
		{"ended", func(req *CreateChallengeRequest) {
			req.StartDate = f.now.Add(-3 * time.Hour)
			req.EndDate = f.now.Add(-time.Hour)
		}},
		{"unknown visibility", func(req *CreateChallengeRequest) { req.Visibility = "secret" }},
		{"group without id", func(req *CreateChallengeRequest) { req.Visibility = "group" }},
		{"group id on public pact", func(req *CreateChallengeRequest) { req.GroupID = "0b7f4d4e-2a6c-4a8e-9b1a-6f0b2c1e9d11" }},
		{"unknown category", func(req *CreateChallengeRequest) { req.Category = "sports" }},
		{"bonus without sponsor", func(req *CreateChallengeRequest) { req.SponsorBonus = "5" }},
		{"negative bonus", func(req *CreateChallengeRequest) {
			req.SponsorName = "Acme"
			req.SponsorBonus = "-1"
		}},
		{"creator stake below min", func(req *CreateChallengeRequest) { req.CreatorStake = "5" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateChallengeRequest{
				Title:     "Read 20 pages",
				MinStake:  "10",
				StartDate: f.now,
				EndDate:   f.now.Add(12 * time.Hour),
			}
			tt.mutate(&req)
			_, _, err := f.challenges.CreateChallenge(f.ctx, creator, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Equal(t, "100.00", f.balance(creator))
}

func TestChallengeService_CreateChallengeDefaults(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "100")

	c, creatorPart, err := f.challenges.CreateChallenge(f.ctx, creator, CreateChallengeRequest{
		Title:        "Read 20 pages",
		MinStake:     "10",
		StartDate:    f.now.Add(time.Hour),
		EndDate:      f.now.Add(12 * time.Hour),
		CreatorStake: "25",
	})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, c.Category)
	assert.Equal(t, classifier.DefaultProofRequirements, c.ProofRequirements)
	assert.Equal(t, models.VisibilityPublic, c.Visibility)
	assert.Equal(t, models.ValidationOrganizer, c.ValidationMode)
	assert.Equal(t, models.SettlementPool, c.SettlementMode)
	assert.Equal(t, models.ChallengeStatusPending, c.Status)

	require.NotNil(t, creatorPart)
	assert.Equal(t, creator, creatorPart.UserID)
	assert.Equal(t, "75.00", f.balance(creator))
	assert.Equal(t, 1, f.getUser(creator).TotalPacts)
}

func TestChallengeService_CreatorStakeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "5")

	_, _, err := f.challenges.CreateChallenge(f.ctx, creator, CreateChallengeRequest{
		Title:        "Read 20 pages",
		MinStake:     "10",
		StartDate:    f.now,
		EndDate:      f.now.Add(12 * time.Hour),
		CreatorStake: "10",
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "5.00", f.balance(creator))
}

func TestChallengeService_ActivateDue(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	c := f.pact(creator, func(req *CreateChallengeRequest) {
		req.StartDate = f.now.Add(time.Hour)
		req.EndDate = f.now.Add(5 * time.Hour)
	})
	require.Equal(t, models.ChallengeStatusPending, c.Status)

	n, err := f.challenges.ActivateDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.advance(2 * time.Hour)
	n, err = f.challenges.ActivateDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ChallengeStatusActive, f.challenge(c.ID).Status)
}

func TestChallengeService_CancelChallenge(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "100")
	bob := f.user("bob", "100")

	c, _, err := f.challenges.CreateChallenge(f.ctx, creator, CreateChallengeRequest{
		Title:        "Cold showers",
		MinStake:     "10",
		StartDate:    f.now.Add(time.Hour),
		EndDate:      f.now.Add(12 * time.Hour),
		CreatorStake: "10",
	})
	require.NoError(t, err)
	f.join(bob, c, "20")

	_, err = f.challenges.CancelChallenge(f.ctx, Actor{UserID: bob}, c.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	cancelled, err := f.challenges.CancelChallenge(f.ctx, Actor{UserID: creator}, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusCancelled, cancelled.Status)
	assert.Equal(t, "100.00", f.balance(creator))
	assert.Equal(t, "100.00", f.balance(bob))
	assert.NotNil(t, findTxn(f.transactions(bob), models.TxnRefund))
	assert.Equal(t, 2, f.notes.count(notify.Refund))

	_, err = f.challenges.CancelChallenge(f.ctx, Actor{UserID: creator}, c.ID)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestChallengeService_Groups(t *testing.T) {
	f := newFixture(t)
	owner := f.user("owner", "0")
	other := f.user("other", "0")

	g, err := f.challenges.CreateGroup(f.ctx, owner, CreateGroupRequest{Name: "Book club"})
	require.NoError(t, err)

	err = f.challenges.AddGroupMember(f.ctx, Actor{UserID: other}, g.ID, other)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	require.NoError(t, f.challenges.AddGroupMember(f.ctx, Actor{UserID: owner}, g.ID, other))
	err = f.challenges.AddGroupMember(f.ctx, Actor{UserID: owner}, g.ID, other)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	_, err = f.challenges.CreateGroup(f.ctx, owner, CreateGroupRequest{Name: " "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestChallengeService_GroupQuorumExcludesSubmitter(t *testing.T) {
	f := newFixture(t)
	owner := f.user("owner", "0")
	g, err := f.challenges.CreateGroup(f.ctx, owner, CreateGroupRequest{Name: "Climbers"})
	require.NoError(t, err)

	var members []*models.Participation
	c := f.pact(owner, func(req *CreateChallengeRequest) {
		req.Visibility = "group"
		req.GroupID = g.ID.String()
		req.ValidationMode = "community"
	})
	for _, name := range []string{"m1", "m2", "m3", "m4"} {
		id := f.user(name, "100")
		require.NoError(t, f.challenges.AddGroupMember(f.ctx, Actor{UserID: owner}, g.ID, id))
		members = append(members, f.join(id, c, "10"))
	}

	// Five members, four besides the submitter, 50% of four.
	proof := f.submit(members[0].UserID, members[0])
	assert.Equal(t, 2, proof.RequiredVotes)

	// The owner is a group member and may vote without a stake.
	_, err = f.validation.CastVote(f.ctx, owner, proof.ID, true)
	require.NoError(t, err)
}
