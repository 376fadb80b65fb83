package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, s *MemStore, balance string) uuid.UUID {
	t.Helper()
	u := &models.User{
		ID:          uuid.New(),
		DisplayName: "alice",
		Balance:     decimal.RequireFromString(balance),
		Status:      models.AccountActive,
		KYCStatus:   models.KYCNone,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateUser(context.Background(), u)
	}))
	return u.ID
}

func TestMemStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seedUser(t, s, "10")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		if _, _, err := tx.AdjustBalance(ctx, id, decimal.NewFromInt(5)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		u, err := tx.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "10", u.Balance.String())
		return nil
	}))
}

func TestMemStore_AdjustBalanceGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seedUser(t, s, "10")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		after, ok, err := tx.AdjustBalance(ctx, id, decimal.NewFromInt(-11))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "10", after.String())

		after, ok, err = tx.AdjustBalance(ctx, id, decimal.NewFromInt(-10))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, after.IsZero())
		return nil
	}))
}

func TestMemStore_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	user := seedUser(t, s, "0")
	challengeID := uuid.New()

	p := &models.Participation{ID: uuid.New(), UserID: user, ChallengeID: challengeID, Status: models.ParticipationActive}
	proof := &models.Proof{ID: uuid.New(), ParticipationID: p.ID, ChallengeID: challengeID, UserID: user, RequiredVotes: 2}
	voter := uuid.New()

	err := s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateParticipation(ctx, p))
		dup := *p
		dup.ID = uuid.New()
		assert.ErrorIs(t, tx.CreateParticipation(ctx, &dup), ErrDuplicate)

		require.NoError(t, tx.CreateProof(ctx, proof))
		second := *proof
		second.ID = uuid.New()
		assert.ErrorIs(t, tx.CreateProof(ctx, &second), ErrDuplicate)

		require.NoError(t, tx.CreateVote(ctx, &models.Vote{ID: uuid.New(), ProofID: proof.ID, VoterID: voter}))
		assert.ErrorIs(t, tx.CreateVote(ctx, &models.Vote{ID: uuid.New(), ProofID: proof.ID, VoterID: voter}), ErrDuplicate)

		tallied, err := tx.AddVoteToTally(ctx, proof.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 1, tallied.ApproveVotes)
		tallied, err = tx.AddVoteToTally(ctx, proof.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 1, tallied.ApproveVotes)
		assert.Equal(t, 1, tallied.RejectVotes)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStore_TransitionChallenge(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	c := &models.Challenge{ID: uuid.New(), Status: models.ChallengeStatusActive, StartDate: time.Now()}

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateChallenge(ctx, c))
		from := []models.ChallengeStatus{models.ChallengeStatusActive}

		ok, err := tx.TransitionChallenge(ctx, c.ID, from, models.ChallengeStatusDistributing)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.TransitionChallenge(ctx, c.ID, from, models.ChallengeStatusDistributing)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.GetChallenge(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_Views(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	alice := seedUser(t, s, "0")
	bob := seedUser(t, s, "0")
	c := &models.Challenge{ID: uuid.New(), Status: models.ChallengeStatusActive}
	now := time.Now()
	pa := &models.Participation{ID: uuid.New(), UserID: alice, ChallengeID: c.ID, Stake: decimal.NewFromInt(10), Status: models.ParticipationWon, CreatedAt: now}
	pb := &models.Participation{ID: uuid.New(), UserID: bob, ChallengeID: c.ID, Stake: decimal.NewFromInt(20), Status: models.ParticipationActive, CreatedAt: now.Add(time.Second)}

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateChallenge(ctx, c))
		require.NoError(t, tx.CreateParticipation(ctx, pa))
		require.NoError(t, tx.CreateParticipation(ctx, pb))
		return tx.CreateProof(ctx, &models.Proof{ID: uuid.New(), ParticipationID: pa.ID, ChallengeID: c.ID, UserID: alice, Confidence: models.ConfidenceHigh})
	}))

	rows, err := s.ChallengeParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, pa.ID, rows[0].ParticipationID)
	require.NotNil(t, rows[0].Confidence)
	assert.Equal(t, "high", *rows[0].Confidence)
	assert.Nil(t, rows[1].ProofID)

	stats, err := s.ChallengeStats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Participants)
	assert.Equal(t, "30", stats.TotalStaked.String())
	assert.Equal(t, 1, stats.Won)
	assert.Equal(t, 1, stats.Open)

	_, err = s.ChallengeStats(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
