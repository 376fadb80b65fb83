// Package integrity scores proof capture metadata. Scoring is a pure function of
// its inputs: the caller supplies the server clock and the challenge window.
package integrity

import (
	"fmt"
	"time"

	"github.com/pactstake/settlement/internal/models"
)

// Metadata describes how and when a proof was captured.
type Metadata struct {
	CaptureMethod models.CaptureMethod
	// CapturedAt is the device-reported capture time.
	CapturedAt *time.Time
	// ServerCapturedAt is the capture time observed by the upload path, if any.
	ServerCapturedAt *time.Time
	// SubmittedAt is the server time of submission.
	SubmittedAt    time.Time
	ContentHash    string
	HashMismatch   bool
	Latitude       *float64
	Longitude      *float64
	AccuracyMeters *float64
	WindowStart    time.Time
	WindowEnd      time.Time
}

// Result is the score with its tier and the checks that fired.
type Result struct {
	Score      int
	Confidence models.Confidence
	Issues     []string
}

// Verdict is what the submission path does with a Result.
type Verdict int

const (
	Accept Verdict = iota
	Flag
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Flag:
		return "flag"
	default:
		return "reject"
	}
}

// Penalties and thresholds of the rubric.
const (
	PenaltyNotCamera      = 30
	PenaltyFutureCapture  = 50
	PenaltySuspiciousAge  = 25
	PenaltyStaleCapture   = 10
	PenaltyClockDrift     = 15
	PenaltyMissingHash    = 10
	PenaltyHashMismatch   = 40
	PenaltyImpreciseGeo   = 5
	BonusPreciseGeo       = 5
	PenaltyOutsideWindow  = 50
	PenaltyUnknownCapture = 50
	AcceptableDelay       = time.Hour
	SuspiciousDelay       = 24 * time.Hour
	ClockDriftTolerance   = 5 * time.Minute
	PreciseAccuracyMeters = 50.0
	CoarseAccuracyMeters  = 100.0
)

// Score runs the rubric in order. The result is clamped to [0, 100].
func Score(m Metadata) Result {
	score := 100
	var issues []string

	if m.CaptureMethod != models.CaptureCamera {
		score -= PenaltyNotCamera
		issues = append(issues, fmt.Sprintf("capture method %q is not camera", m.CaptureMethod))
	}

	if m.CapturedAt == nil {
		// Without a capture time neither freshness nor the window can be checked.
		score -= PenaltyUnknownCapture
		issues = append(issues, "unknown capture time")
	} else {
		delay := m.SubmittedAt.Sub(*m.CapturedAt)
		switch {
		case delay < 0:
			score -= PenaltyFutureCapture
			issues = append(issues, "capture time is after submission time")
		case delay > SuspiciousDelay:
			score -= PenaltySuspiciousAge
			issues = append(issues, fmt.Sprintf("captured %s before submission", delay.Round(time.Minute)))
		case delay > AcceptableDelay:
			score -= PenaltyStaleCapture
			issues = append(issues, fmt.Sprintf("captured %s before submission", delay.Round(time.Minute)))
		}

		if m.ServerCapturedAt != nil {
			drift := m.CapturedAt.Sub(*m.ServerCapturedAt)
			if drift < 0 {
				drift = -drift
			}
			if drift > ClockDriftTolerance {
				score -= PenaltyClockDrift
				issues = append(issues, fmt.Sprintf("device clock differs from server by %s", drift.Round(time.Second)))
			}
		}
	}

	if m.ContentHash == "" {
		score -= PenaltyMissingHash
		issues = append(issues, "missing content hash")
	} else if m.HashMismatch {
		score -= PenaltyHashMismatch
		issues = append(issues, "content hash does not match uploaded media")
	}

	switch {
	case m.Latitude == nil || m.Longitude == nil:
		score -= PenaltyImpreciseGeo
		issues = append(issues, "no geolocation")
	case m.AccuracyMeters != nil && *m.AccuracyMeters <= PreciseAccuracyMeters:
		score += BonusPreciseGeo
	case m.AccuracyMeters == nil || *m.AccuracyMeters > CoarseAccuracyMeters:
		score -= PenaltyImpreciseGeo
		issues = append(issues, "imprecise geolocation")
	}

	if m.CapturedAt != nil && (m.CapturedAt.Before(m.WindowStart) || m.CapturedAt.After(m.WindowEnd)) {
		score -= PenaltyOutsideWindow
		issues = append(issues, "captured outside the pact window")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return Result{Score: score, Confidence: ConfidenceFor(score), Issues: issues}
}

// ConfidenceFor maps a score to its tier.
func ConfidenceFor(score int) models.Confidence {
	switch {
	case score >= 80:
		return models.ConfidenceHigh
	case score >= 60:
		return models.ConfidenceMedium
	case score >= 30:
		return models.ConfidenceLow
	default:
		return models.ConfidenceSuspicious
	}
}

// Policy turns a score into an accept/flag/reject verdict.
type Policy struct {
	RejectBelow int
	FlagBelow   int
}

// DefaultPolicy rejects below 30 and flags below 60.
var DefaultPolicy = Policy{RejectBelow: 30, FlagBelow: 60}

func (p Policy) Verdict(r Result) Verdict {
	switch {
	case r.Score < p.RejectBelow:
		return Reject
	case r.Score < p.FlagBelow:
		return Flag
	default:
		return Accept
	}
}
