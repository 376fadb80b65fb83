package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/models"
	"github.com/shopspring/decimal"
)

// MemStore is an in-process Store. A unit of work holds the store lock, runs
// against a copy of the state, and publishes the copy only if fn succeeds, which
// gives serializable transactions with rollback. Used by tests and local runs.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	users          map[uuid.UUID]models.User
	groups         map[uuid.UUID]models.Group
	members        map[uuid.UUID]map[uuid.UUID]models.GroupMember
	challenges     map[uuid.UUID]models.Challenge
	participations map[uuid.UUID]models.Participation
	proofs         map[uuid.UUID]models.Proof
	votes          map[uuid.UUID]models.Vote
	disputes       map[uuid.UUID]models.Dispute
	transactions   map[uuid.UUID]models.Transaction
	rewards        map[uuid.UUID]models.Reward
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{state: &memState{
		users:          map[uuid.UUID]models.User{},
		groups:         map[uuid.UUID]models.Group{},
		members:        map[uuid.UUID]map[uuid.UUID]models.GroupMember{},
		challenges:     map[uuid.UUID]models.Challenge{},
		participations: map[uuid.UUID]models.Participation{},
		proofs:         map[uuid.UUID]models.Proof{},
		votes:          map[uuid.UUID]models.Vote{},
		disputes:       map[uuid.UUID]models.Dispute{},
		transactions:   map[uuid.UUID]models.Transaction{},
		rewards:        map[uuid.UUID]models.Reward{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:          make(map[uuid.UUID]models.User, len(s.users)),
		groups:         make(map[uuid.UUID]models.Group, len(s.groups)),
		members:        make(map[uuid.UUID]map[uuid.UUID]models.GroupMember, len(s.members)),
		challenges:     make(map[uuid.UUID]models.Challenge, len(s.challenges)),
		participations: make(map[uuid.UUID]models.Participation, len(s.participations)),
		proofs:         make(map[uuid.UUID]models.Proof, len(s.proofs)),
		votes:          make(map[uuid.UUID]models.Vote, len(s.votes)),
		disputes:       make(map[uuid.UUID]models.Dispute, len(s.disputes)),
		transactions:   make(map[uuid.UUID]models.Transaction, len(s.transactions)),
		rewards:        make(map[uuid.UUID]models.Reward, len(s.rewards)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, m := range s.members {
		cm := make(map[uuid.UUID]models.GroupMember, len(m))
		for uk, uv := range m {
			cm[uk] = uv
		}
		c.members[k] = cm
	}
	for k, v := range s.challenges {
		c.challenges[k] = v
	}
	for k, v := range s.participations {
		c.participations[k] = v
	}
	for k, v := range s.proofs {
		c.proofs[k] = v
	}
	for k, v := range s.votes {
		c.votes[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	return c
}

// WithTx runs fn against a private copy of the state and commits it on success.
func (m *MemStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	s *memState
}

func (t *memTx) CreateUser(ctx context.Context, u *models.User) error {
	if _, ok := t.s.users[u.ID]; ok {
		return ErrDuplicate
	}
	t.s.users[u.ID] = *u
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, bool, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return decimal.Zero, false, ErrNotFound
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return u.Balance, false, nil
	}
	u.Balance = next
	u.UpdatedAt = time.Now().UTC()
	t.s.users[userID] = u
	return next, true, nil
}

func (t *memTx) ApplyStats(ctx context.Context, userID uuid.UUID, d models.StatsDelta) error {
	u, ok := t.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.TotalPacts += d.Pacts
	u.TotalWins += d.Wins
	u.TotalLosses += d.Losses
	if u.TotalWins < 0 {
		u.TotalWins = 0
	}
	if d.ResetStreak {
		u.CurrentStreak = 0
	}
	if d.IncStreak {
		u.CurrentStreak++
		if u.CurrentStreak > u.BestStreak {
			u.BestStreak = u.CurrentStreak
		}
	}
	t.s.users[userID] = u
	return nil
}

func (t *memTx) UpdateUserVerification(ctx context.Context, u *models.User) error {
	cur, ok := t.s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	cur.AgeVerified = u.AgeVerified
	cur.TermsAcceptedAt = u.TermsAcceptedAt
	cur.KYCStatus = u.KYCStatus
	cur.Status = u.Status
	cur.TelegramChatID = u.TelegramChatID
	cur.UpdatedAt = u.UpdatedAt
	t.s.users[u.ID] = cur
	return nil
}

func (t *memTx) CreateGroup(ctx context.Context, g *models.Group) error {
	if _, ok := t.s.groups[g.ID]; ok {
		return ErrDuplicate
	}
	t.s.groups[g.ID] = *g
	return nil
}

func (t *memTx) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	g, ok := t.s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (t *memTx) AddGroupMember(ctx context.Context, m *models.GroupMember) error {
	members, ok := t.s.members[m.GroupID]
	if !ok {
		members = map[uuid.UUID]models.GroupMember{}
		t.s.members[m.GroupID] = members
	}
	if _, exists := members[m.UserID]; exists {
		return ErrDuplicate
	}
	members[m.UserID] = *m
	return nil
}

func (t *memTx) IsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	_, ok := t.s.members[groupID][userID]
	return ok, nil
}

func (t *memTx) CountGroupMembers(ctx context.Context, groupID uuid.UUID) (int, error) {
	return len(t.s.members[groupID]), nil
}

func (t *memTx) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	if _, ok := t.s.challenges[c.ID]; ok {
		return ErrDuplicate
	}
	t.s.challenges[c.ID] = *c
	return nil
}

func (t *memTx) GetChallenge(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	c, ok := t.s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t *memTx) TransitionChallenge(ctx context.Context, id uuid.UUID, from []models.ChallengeStatus, to models.ChallengeStatus) (bool, error) {
	c, ok := t.s.challenges[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = time.Now().UTC()
			t.s.challenges[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListChallengesByStatus(ctx context.Context, status models.ChallengeStatus, startBefore time.Time) ([]models.Challenge, error) {
	var out []models.Challenge
	for _, c := range t.s.challenges {
		if c.Status == status && !c.StartDate.After(startBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (t *memTx) CreateParticipation(ctx context.Context, p *models.Participation) error {
	for _, existing := range t.s.participations {
		if existing.ChallengeID == p.ChallengeID && existing.UserID == p.UserID {
			return ErrDuplicate
		}
	}
	t.s.participations[p.ID] = *p
	return nil
}

func (t *memTx) GetParticipation(ctx context.Context, id uuid.UUID) (*models.Participation, error) {
	p, ok := t.s.participations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) FindParticipation(ctx context.Context, challengeID, userID uuid.UUID) (*models.Participation, error) {
	for _, p := range t.s.participations {
		if p.ChallengeID == challengeID && p.UserID == userID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListParticipations(ctx context.Context, challengeID uuid.UUID) ([]models.Participation, error) {
	var out []models.Participation
	for _, p := range t.s.participations {
		if p.ChallengeID == challengeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) CountParticipations(ctx context.Context, challengeID uuid.UUID) (int, error) {
	n := 0
	for _, p := range t.s.participations {
		if p.ChallengeID == challengeID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) UpdateParticipationStatus(ctx context.Context, id uuid.UUID, status models.ParticipationStatus) error {
	p, ok := t.s.participations[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	t.s.participations[id] = p
	return nil
}

func (t *memTx) MarkParticipationSettled(ctx context.Context, id uuid.UUID, payout decimal.Decimal, at time.Time) error {
	p, ok := t.s.participations[id]
	if !ok {
		return ErrNotFound
	}
	p.PayoutAmount = payout
	p.SettledAt = &at
	p.UpdatedAt = at
	t.s.participations[id] = p
	return nil
}

func (t *memTx) CreateProof(ctx context.Context, p *models.Proof) error {
	for _, existing := range t.s.proofs {
		if existing.ParticipationID == p.ParticipationID {
			return ErrDuplicate
		}
	}
	cp := *p
	cp.IntegrityIssues = append([]string(nil), p.IntegrityIssues...)
	t.s.proofs[p.ID] = cp
	return nil
}

func (t *memTx) GetProof(ctx context.Context, id uuid.UUID) (*models.Proof, error) {
	p, ok := t.s.proofs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) FindProofByParticipation(ctx context.Context, participationID uuid.UUID) (*models.Proof, error) {
	for _, p := range t.s.proofs {
		if p.ParticipationID == participationID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateProofVerdicts(ctx context.Context, p *models.Proof) error {
	cur, ok := t.s.proofs[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.OrganizerValidation = p.OrganizerValidation
	cur.CommunityValidation = p.CommunityValidation
	cur.MetricValidation = p.MetricValidation
	cur.Value = p.Value
	cur.TargetValue = p.TargetValue
	cur.UpdatedAt = p.UpdatedAt
	t.s.proofs[p.ID] = cur
	return nil
}

func (t *memTx) AddVoteToTally(ctx context.Context, proofID uuid.UUID, approve bool) (*models.Proof, error) {
	p, ok := t.s.proofs[proofID]
	if !ok {
		return nil, ErrNotFound
	}
	if approve {
		p.ApproveVotes++
	} else {
		p.RejectVotes++
	}
	t.s.proofs[proofID] = p
	return &p, nil
}

func (t *memTx) CreateVote(ctx context.Context, v *models.Vote) error {
	for _, existing := range t.s.votes {
		if existing.ProofID == v.ProofID && existing.VoterID == v.VoterID {
			return ErrDuplicate
		}
	}
	t.s.votes[v.ID] = *v
	return nil
}

func (t *memTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	for _, existing := range t.s.disputes {
		if existing.ProofID == d.ProofID && existing.DisputerID == d.DisputerID {
			return ErrDuplicate
		}
	}
	t.s.disputes[d.ID] = *d
	return nil
}

func (t *memTx) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, ok := t.s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (t *memTx) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	if _, ok := t.s.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	t.s.disputes[d.ID] = *d
	return nil
}

func (t *memTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if _, ok := t.s.transactions[txn.ID]; ok {
		return ErrDuplicate
	}
	t.s.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to models.TransactionStatus) (bool, error) {
	txn, ok := t.s.transactions[id]
	if !ok {
		return false, ErrNotFound
	}
	if txn.Status != from {
		return false, nil
	}
	txn.Status = to
	t.s.transactions[id] = txn
	return true, nil
}

func (t *memTx) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, txn := range t.s.transactions {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Reference > out[j].Reference
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateReward(ctx context.Context, r *models.Reward) error {
	t.s.rewards[r.ID] = *r
	return nil
}

func (t *memTx) ListRewards(ctx context.Context, challengeID uuid.UUID) ([]models.Reward, error) {
	var out []models.Reward
	for _, r := range t.s.rewards {
		if r.ChallengeID == challengeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
