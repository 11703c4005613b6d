package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

// GateAction tells the engine what to do with the current job.
type GateAction string

const (
	GateAllow GateAction = "allow"
	GateSkip  GateAction = "skip"
	GateStop  GateAction = "stop"
)

// GateDecision carries the action and, for skip/stop, a machine-readable
// reason suitable for tracker records and events.
type GateDecision struct {
	Action GateAction
	Reason string
}

func allow() GateDecision                { return GateDecision{Action: GateAllow} }
func skip(reason string) GateDecision    { return GateDecision{Action: GateSkip, Reason: reason} }
func stopRun(reason string) GateDecision { return GateDecision{Action: GateStop, Reason: reason} }

// Gate enforces the user policy before personalization and after grounding.
// The daily cap is a rolling window counted from the tracker plus submissions
// made earlier in the same run that the tracker may not have absorbed yet.
type Gate struct {
	Tracker domain.Tracker
	Window  time.Duration
}

// NewGate constructs a Gate with a 24h cap window when none is given.
func NewGate(tracker domain.Tracker, window time.Duration) Gate {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return Gate{Tracker: tracker, Window: window}
}

// Pre evaluates the whole-run and per-job policy checks that run before any
// AI spend. Checks are ordered so the cheapest disqualifier wins.
func (g Gate) Pre(ctx domain.Context, userID string, policy domain.Policy, job domain.Job, m domain.Match, inFlight int) (GateDecision, error) {
	if !policy.Enabled {
		return skip(domain.ReasonPolicyDisabled), nil
	}
	for _, c := range policy.BlockedCompanies {
		if strings.EqualFold(strings.TrimSpace(c), job.Company) {
			return skip(domain.ReasonBlockedCompany), nil
		}
	}
	for _, rt := range policy.BlockedRoleTypes {
		if containsWholeWord(job.Title, rt) {
			return skip(domain.ReasonBlockedRoleType), nil
		}
	}
	if policy.RequireRemote && !job.Remote {
		return skip(domain.ReasonNotRemote), nil
	}
	if loc := strings.TrimSpace(policy.RequiredLocation); loc != "" {
		if !strings.Contains(strings.ToLower(job.Location), strings.ToLower(loc)) {
			return skip(domain.ReasonLocationMismatch), nil
		}
	}
	if m.Score < policy.MinMatchThreshold {
		return skip(domain.ReasonBelowThreshold), nil
	}
	if policy.MaxApplicationsPerDay > 0 {
		n, err := g.Tracker.CountSubmittedWindow(ctx, userID, g.Window)
		if err != nil {
			return allow(), fmt.Errorf("op=gate count submitted: %w", err)
		}
		if n+inFlight >= policy.MaxApplicationsPerDay {
			return stopRun(domain.ReasonDailyCapReached), nil
		}
	}
	return allow(), nil
}

// PostGround blocks submission of any personalization that still carries an
// ungrounded claim. Evidence we cannot trace to the profile never reaches a
// portal.
func (g Gate) PostGround(p domain.Personalization) GateDecision {
	for _, c := range p.EvidenceMap {
		if !c.Grounded {
			return skip(domain.ReasonUngroundedClaim)
		}
	}
	return allow()
}

// containsWholeWord reports whether needle appears in haystack bounded by
// non-alphanumeric characters, case-insensitively. Needles may span multiple
// words ("engineering manager").
func containsWholeWord(haystack, needle string) bool {
	h := strings.ToLower(haystack)
	n := strings.ToLower(strings.TrimSpace(needle))
	if n == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(h[from:], n)
		if i < 0 {
			return false
		}
		i += from
		before := i == 0 || !isWordChar(rune(h[i-1]))
		afterIdx := i + len(n)
		after := afterIdx >= len(h) || !isWordChar(rune(h[afterIdx]))
		if before && after {
			return true
		}
		from = i + 1
	}
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
