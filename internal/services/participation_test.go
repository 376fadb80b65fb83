package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/apperr"
	"github.com/pactstake/settlement/internal/media"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipationService_JoinDebitsStake(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)

	p := f.join(alice, c, "10")

	assert.Equal(t, models.ParticipationActive, p.Status)
	assert.Equal(t, "90.00", f.balance(alice))
	assert.Equal(t, 1, f.getUser(alice).TotalPacts)

	txns := f.transactions(alice)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxnBet, txns[0].Type)
	assert.True(t, txns[0].Amount.Equal(decimal.NewFromInt(-10)))
	assert.Equal(t, models.TxnCompleted, txns[0].Status)
	require.True(t, txns[0].BalanceAfter.Valid)
	assert.Equal(t, "90.00", txns[0].BalanceAfter.Decimal.StringFixed(2))
}

func TestParticipationService_JoinRejections(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "100")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	f.join(alice, c, "10")

	t.Run("double join", func(t *testing.T) {
		_, err := f.participations.Join(f.ctx, alice, c.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrAlreadyJoined)
		assert.Equal(t, "90.00", f.balance(alice))
	})

	t.Run("creator", func(t *testing.T) {
		_, err := f.participations.Join(f.ctx, creator, c.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrAuthorization)
	})

	t.Run("below min stake", func(t *testing.T) {
		bob := f.user("bob", "100")
		_, err := f.participations.Join(f.ctx, bob, c.ID, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("above max stake", func(t *testing.T) {
		bob := f.user("bob", "5000")
		_, err := f.participations.Join(f.ctx, bob, c.ID, decimal.NewFromInt(1001))
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("terms not accepted", func(t *testing.T) {
		carol, err := f.accounts.ProvisionUser(f.ctx, uuid.New(), ProvisionRequest{DisplayName: "carol"})
		require.NoError(t, err)
		_, err = f.participations.Join(f.ctx, carol.ID, c.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrAuthorization)
	})

	t.Run("insufficient funds applies nothing", func(t *testing.T) {
		dave := f.user("dave", "4")
		_, err := f.participations.Join(f.ctx, dave, c.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
		assert.Equal(t, "4.00", f.balance(dave))
		assert.Empty(t, f.transactions(dave))
		assert.Equal(t, 0, f.getUser(dave).TotalPacts)
		err = f.store.WithTx(f.ctx, func(tx storage.Tx) error {
			_, err := tx.FindParticipation(f.ctx, c.ID, dave)
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ended", func(t *testing.T) {
		ended := newFixture(t)
		org := ended.user("organizer", "0")
		eve := ended.user("eve", "100")
		pact := ended.pact(org, nil)
		ended.advance(11 * time.Hour)
		_, err := ended.participations.Join(ended.ctx, eve, pact.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, apperr.ErrStateConflict)
	})
}

func TestParticipationService_JoinLongPactAfterStart(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, func(req *CreateChallengeRequest) {
		req.StartDate = f.now.Add(-time.Hour)
		req.EndDate = f.now.Add(7 * 24 * time.Hour)
	})

	_, err := f.participations.Join(f.ctx, alice, c.ID, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, "100.00", f.balance(alice))
}

func TestParticipationService_GroupPactRequiresMembership(t *testing.T) {
	f := newFixture(t)
	owner := f.user("owner", "0")
	member := f.user("member", "100")
	outsider := f.user("outsider", "100")

	g, err := f.challenges.CreateGroup(f.ctx, owner, CreateGroupRequest{Name: "Runners"})
	require.NoError(t, err)
	require.NoError(t, f.challenges.AddGroupMember(f.ctx, Actor{UserID: owner}, g.ID, member))

	c := f.pact(owner, func(req *CreateChallengeRequest) {
		req.Visibility = "group"
		req.GroupID = g.ID.String()
	})

	f.join(member, c, "10")
	_, err = f.participations.Join(f.ctx, outsider, c.ID, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestParticipationService_SubmitProof(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	proof := f.submit(alice, p)

	assert.Equal(t, models.ProofKindMedia, proof.Kind)
	assert.Equal(t, 100, proof.IntegrityScore)
	assert.Equal(t, models.ConfidenceHigh, proof.Confidence)
	assert.Equal(t, models.VerdictPending, proof.OrganizerValidation)
	assert.Equal(t, models.VerdictNone, proof.CommunityValidation)
	assert.Len(t, proof.ContentHash, 64)
	assert.Contains(t, proof.ContentURL, "/media/")
	assert.Equal(t, models.ParticipationPendingValidation, f.participation(p.ID).Status)

	_, err := f.participations.SubmitProof(f.ctx, alice, p.ID, goodProof(f.now), photo())
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestParticipationService_SubmitProofOwnerOnly(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	bob := f.user("bob", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	_, err := f.participations.SubmitProof(f.ctx, bob, p.ID, goodProof(f.now), photo())
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestParticipationService_SubmitProofIntegrityRejected(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	req := goodProof(f.now)
	before := c.StartDate.Add(-2 * time.Hour)
	req.CaptureMethod = "gallery"
	req.CapturedAt = &before
	req.ServerCapturedAt = nil

	_, err := f.participations.SubmitProof(f.ctx, alice, p.ID, req, photo())
	require.ErrorIs(t, err, apperr.ErrIntegrityRejected)

	var ie *apperr.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Less(t, ie.Score, 30)
	assert.Contains(t, ie.Issues, "captured outside the pact window")

	assert.Equal(t, models.ParticipationActive, f.participation(p.ID).Status)
	err = f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		_, err := tx.FindProofByParticipation(f.ctx, p.ID)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var files []string
	require.NoError(t, filepath.Walk(f.objects.Dir(), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	assert.Empty(t, files)
}

func TestParticipationService_SubmitProofWithoutCaptureTime(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	req := goodProof(f.now)
	req.CapturedAt, req.ServerCapturedAt = nil, nil
	req.CaptureMethod = "gallery"
	_, err := f.participations.SubmitProof(f.ctx, alice, p.ID, req, photo())
	require.ErrorIs(t, err, apperr.ErrIntegrityRejected)

	var ie *apperr.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Issues, "unknown capture time")
	assert.Equal(t, models.ParticipationActive, f.participation(p.ID).Status)

	req.CaptureMethod = "camera"
	proof, err := f.participations.SubmitProof(f.ctx, alice, p.ID, req, photo())
	require.NoError(t, err)
	assert.Less(t, proof.IntegrityScore, 60)
	assert.Equal(t, models.ConfidenceLow, proof.Confidence)
}

// racingObjects runs onPut after the blob is written, before the proof is recorded.
type racingObjects struct {
	*media.FileObjectStore
	onPut func()
}

func (r *racingObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url, err := r.FileObjectStore.Put(ctx, key, data, contentType)
	if err == nil && r.onPut != nil {
		r.onPut()
	}
	return url, err
}

func TestParticipationService_SubmitProofRemovesMediaOnLostRace(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	objects := &racingObjects{FileObjectStore: f.objects}
	objects.onPut = func() {
		other := goodProof(f.now)
		other.ContentURL = "https://cdn.example.com/proof.jpg"
		_, err := f.participations.SubmitProof(f.ctx, alice, p.ID, other, nil)
		require.NoError(t, err)
	}
	svc := NewParticipationService(f.env, f.ledger, objects)

	_, err := svc.SubmitProof(f.ctx, alice, p.ID, goodProof(f.now), photo())
	require.ErrorIs(t, err, apperr.ErrAlreadySubmitted)

	var files []string
	require.NoError(t, filepath.Walk(f.objects.Dir(), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	assert.Empty(t, files)
}

func TestParticipationService_SubmitProofHashMismatchFlagged(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, nil)
	p := f.join(alice, c, "10")

	req := goodProof(f.now)
	req.ContentHash = "0000000000000000000000000000000000000000000000000000000000000000"
	proof, err := f.participations.SubmitProof(f.ctx, alice, p.ID, req, photo())
	require.NoError(t, err)
	assert.Equal(t, 65, proof.IntegrityScore)
	assert.Equal(t, models.ConfidenceMedium, proof.Confidence)
	assert.NotEqual(t, req.ContentHash, proof.ContentHash)
}

func TestParticipationService_ProofWindow(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	c := f.pact(creator, func(req *CreateChallengeRequest) {
		req.StartDate = f.now.Add(time.Hour)
		req.EndDate = f.now.Add(49 * time.Hour)
	})
	require.Equal(t, models.ChallengeStatusPending, c.Status)
	p := f.join(alice, c, "10")

	_, err := f.participations.SubmitProof(f.ctx, alice, p.ID, goodProof(f.now), photo())
	assert.ErrorIs(t, err, apperr.ErrStateConflict, "before start")

	f.advance(2 * time.Hour)
	_, err = f.participations.SubmitProof(f.ctx, alice, p.ID, goodProof(f.now), photo())
	assert.ErrorIs(t, err, apperr.ErrStateConflict, "long pact before end")

	f.advance(48*time.Hour + 24*time.Hour)
	_, err = f.participations.SubmitProof(f.ctx, alice, p.ID, goodProof(f.now), photo())
	assert.ErrorIs(t, err, apperr.ErrStateConflict, "after grace period")

	f.advance(-2 * time.Hour)
	req := goodProof(f.now)
	captured := c.EndDate.Add(-10 * time.Minute)
	req.CapturedAt, req.ServerCapturedAt = &captured, &captured
	proof, err := f.participations.SubmitProof(f.ctx, alice, p.ID, req, photo())
	require.NoError(t, err)
	assert.Equal(t, p.ID, proof.ParticipationID)
}

func TestQuorum(t *testing.T) {
	assert.Equal(t, 2, FixedQuorum(1))
	assert.Equal(t, 2, FixedQuorum(5))
	assert.Equal(t, 4, FixedQuorum(9))
	assert.Equal(t, 2, GroupQuorum(4, 50))
	assert.Equal(t, 2, GroupQuorum(3, 50))
	assert.Equal(t, 5, GroupQuorum(5, 100))
	assert.Equal(t, 1, GroupQuorum(0, 50))
}

func TestParticipationService_ExpireNoShows(t *testing.T) {
	f := newFixture(t)
	creator := f.user("organizer", "0")
	alice := f.user("alice", "100")
	bob := f.user("bob", "100")
	c := f.pact(creator, nil)
	pa := f.join(alice, c, "10")
	pb := f.join(bob, c, "10")
	f.settle(c, alice, pa, true)

	f.advance(10*time.Hour + f.env.Settings.GracePeriod)
	n, err := f.participations.ExpireNoShows(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "window still open")
	assert.Equal(t, models.ParticipationActive, f.participation(pb.ID).Status)

	f.advance(time.Minute)
	n, err = f.participations.ExpireNoShows(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ParticipationLost, f.participation(pb.ID).Status)
	assert.Equal(t, models.ParticipationWon, f.participation(pa.ID).Status)
	assert.Equal(t, 1, f.getUser(bob).TotalLosses)
	assert.Zero(t, f.getUser(bob).CurrentStreak)

	n, err = f.participations.ExpireNoShows(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.payouts.Distribute(f.ctx, Actor{Roles: []string{RoleAdmin}}, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusCompleted, f.challenge(c.ID).Status)
	// 10 + 10 * 0.95
	assert.Equal(t, "109.50", f.balance(alice))
	assert.Equal(t, "90.00", f.balance(bob))
}
