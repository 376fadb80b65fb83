package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/pactstake/settlement/internal/config"
	"github.com/pactstake/settlement/internal/integrity"
	"github.com/pactstake/settlement/internal/models"
	"github.com/pactstake/settlement/internal/notify"
	"github.com/pactstake/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settings are the platform rules the services enforce.
type Settings struct {
	MaxStake              decimal.Decimal
	GracePeriod           time.Duration
	LongPactThreshold     time.Duration
	VoteWindow            time.Duration
	GroupVoteThresholdPct int
	Commission            map[models.Visibility]decimal.Decimal
	Integrity             integrity.Policy
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	cfg := config.DefaultConfig()
	return SettingsFromConfig(cfg)
}

// SettingsFromConfig converts the validated config tables.
func SettingsFromConfig(cfg *config.Config) Settings {
	hours := func(h int) time.Duration { return time.Duration(h) * time.Hour }
	return Settings{
		MaxStake:              decimal.RequireFromString(cfg.Pacts.MaxStake),
		GracePeriod:           hours(cfg.Pacts.GracePeriodHours),
		LongPactThreshold:     hours(cfg.Pacts.LongPactHours),
		VoteWindow:            hours(cfg.Pacts.VoteWindowHours),
		GroupVoteThresholdPct: cfg.Pacts.GroupVoteThresholdPct,
		Commission: map[models.Visibility]decimal.Decimal{
			models.VisibilityPublic:  cfg.Commission.Rate(string(models.VisibilityPublic)),
			models.VisibilityFriends: cfg.Commission.Rate(string(models.VisibilityFriends)),
			models.VisibilityGroup:   cfg.Commission.Rate(string(models.VisibilityGroup)),
		},
		Integrity: integrity.Policy{
			RejectBelow: cfg.Integrity.RejectBelow,
			FlagBelow:   cfg.Integrity.FlagBelow,
		},
	}
}

// CommissionRate returns the rate for a visibility tier.
func (s Settings) CommissionRate(v models.Visibility) decimal.Decimal {
	if r, ok := s.Commission[v]; ok {
		return r
	}
	return s.Commission[models.VisibilityPublic]
}

// Env carries the collaborators every service shares.
type Env struct {
	Store    storage.Store
	Settings Settings
	Notifier notify.Notifier
	Log      *zap.SugaredLogger
	// Now defaults to time.Now. Tests replace it.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Env) logger() *zap.SugaredLogger {
	if e.Log == nil {
		return zap.NewNop().Sugar()
	}
	return e.Log
}

func (e *Env) notify(events []notify.Event) {
	if e.Notifier == nil {
		return
	}
	for _, ev := range events {
		e.Notifier.Notify(ev)
	}
}

// Roles carried by verified identities.
const (
	RoleArbiter = "arbiter"
	RoleAdmin   = "admin"
)

// Actor is the verified identity performing an operation.
type Actor struct {
	UserID uuid.UUID
	Roles  []string
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
