package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/media"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/payments"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	now     time.Time
	store   *storage.MemStore
	env     *Env
	notes   *recorder
	objects *media.FileObjectStore

	ledger         *Ledger
	accounts       *AccountService
	challenges     *ChallengeService
	participations *ParticipationService
	validation     *ValidationService
	disputes       *DisputeService
	payouts        *PayoutService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithProcessor(t, payments.Sandbox{})
}

func newFixtureWithProcessor(t *testing.T, processor payments.Processor) *fixture {
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		now:     baseTime,
		store:   storage.NewMemStore(),
		notes:   &recorder{},
		objects: media.NewFileObjectStore(t.TempDir(), "/media"),
	}
	f.env = &Env{
		Store:    f.store,
		Settings: DefaultSettings(),
		Notifier: f.notes,
		Log:      zap.NewNop().Sugar(),
		Now:      func() time.Time { return f.now },
	}
	f.ledger = NewLedger(f.env)
	f.accounts = NewAccountService(f.env, f.ledger, processor)
	f.challenges = NewChallengeService(f.env, f.ledger, nil)
	f.participations = NewParticipationService(f.env, f.ledger, f.objects)
	f.validation = NewValidationService(f.env, f.ledger)
	f.disputes = NewDisputeService(f.env, f.ledger)
	f.payouts = NewPayoutService(f.env, f.ledger)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// user creates an eligible, KYC-verified account with the given balance.
func (f *fixture) user(name, balance string) uuid.UUID {
	f.t.Helper()
	accepted := f.now
	u := &models.User{
		ID:              uuid.New(),
		DisplayName:     name,
		Balance:         decimal.RequireFromString(balance),
		AgeVerified:     true,
		TermsAcceptedAt: &accepted,
		KYCStatus:       models.KYCVerified,
		Status:          models.AccountActive,
		CreatedAt:       f.now,
		UpdatedAt:       f.now,
	}
	require.NoError(f.t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		return tx.CreateUser(f.ctx, u)
	}))
	return u.ID
}

func (f *fixture) getUser(id uuid.UUID) *models.User {
	f.t.Helper()
	u, err := f.accounts.GetUser(f.ctx, id)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) balance(id uuid.UUID) string {
	return f.getUser(id).Balance.StringFixed(2)
}

func (f *fixture) transactions(id uuid.UUID) []models.Transaction {
	f.t.Helper()
	txns, err := f.accounts.ListTransactions(f.ctx, id, 0)
	require.NoError(f.t, err)
	return txns
}

func (f *fixture) participation(id uuid.UUID) *models.Participation {
	f.t.Helper()
	var p *models.Participation
	require.NoError(f.t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetParticipation(f.ctx, id)
		return err
	}))
	return p
}

func (f *fixture) challenge(id uuid.UUID) *models.Challenge {
	f.t.Helper()
	c, err := f.challenges.GetChallenge(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

// pact creates a short public organizer-validated pact that started an hour ago.
func (f *fixture) pact(creator uuid.UUID, mutate func(req *CreateChallengeRequest)) *models.Challenge {
	f.t.Helper()
	req := CreateChallengeRequest{
		Title:             "Morning run",
		Category:          "fitness",
		ProofRequirements: "Photo of the tracker screen",
		MinStake:          "10",
		StartDate:         f.now.Add(-time.Hour),
		EndDate:           f.now.Add(10 * time.Hour),
	}
	if mutate != nil {
		mutate(&req)
	}
	c, _, err := f.challenges.CreateChallenge(f.ctx, creator, req)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) join(user uuid.UUID, c *models.Challenge, stake string) *models.Participation {
	f.t.Helper()
	p, err := f.participations.Join(f.ctx, user, c.ID, decimal.RequireFromString(stake))
	require.NoError(f.t, err)
	return p
}

func goodProof(now time.Time) SubmitProofRequest {
	captured := now.Add(-5 * time.Minute)
	lat, lng, acc := 52.52, 13.405, 8.0
	return SubmitProofRequest{
		CaptureMethod:    "camera",
		CapturedAt:       &captured,
		ServerCapturedAt: &captured,
		Latitude:         &lat,
		Longitude:        &lng,
		AccuracyMeters:   &acc,
	}
}

func photo() *MediaUpload {
	return &MediaUpload{Data: []byte("\xff\xd8\xff proof pixels"), ContentType: "image/jpeg"}
}

func (f *fixture) submit(user uuid.UUID, p *models.Participation) *models.Proof {
	f.t.Helper()
	proof, err := f.participations.SubmitProof(f.ctx, user, p.ID, goodProof(f.now), photo())
	require.NoError(f.t, err)
	return proof
}

// settle submits a proof for p and has the organizer decide it.
func (f *fixture) settle(c *models.Challenge, user uuid.UUID, p *models.Participation, won bool) *models.Proof {
	f.t.Helper()
	proof := f.submit(user, p)
	decided, err := f.validation.Decide(f.ctx, Actor{UserID: c.CreatorID}, proof.ID, won)
	require.NoError(f.t, err)
	return decided
}

func findTxn(txns []models.Transaction, typ models.TransactionType) *models.Transaction {
	for i := range txns {
		if txns[i].Type == typ {
			return &txns[i]
		}
	}
	return nil
}
