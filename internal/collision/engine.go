package collision

import (
	"fmt"
	"time"

	"github.com/lunamail/campaignd/internal/models"
)

// Block reasons
const (
	ReasonAlreadySent   = "collision:already_sent"
	ReasonLowerPriority = "collision:lower_priority"
)

// Candidate is one subject to evaluate against the group's collision policy.
type Candidate struct {
	SubjectID string
}

// Verdict is the per-subject outcome of a collision check.
type Verdict struct {
	Blocked bool
	Reason  string
}

// Ledger answers "when was this subject last served by the group, and
// at what precedence".
type Ledger interface {
	LatestWithin(groupID string, subjectIDs []string, since time.Time) (map[string]models.LedgerEntry, error)
}

// PendingIndex answers "does a higher-precedence active campaign in the
// group still have a pending recipient for this subject".
type PendingIndex interface {
	PendingLowerPriority(groupID, campaignID string, priority int, subjectIDs []string) (map[string]bool, error)
}

// Engine evaluates a campaign group's collision policy for a batch of
// subjects. It is stateless; the same check runs at audience-build time
// and again (single subject) at send time, because audiences for
// concurrent campaigns can be built before either has sent.
type Engine struct {
	ledger  Ledger
	pending PendingIndex
}

func NewEngine(ledger Ledger, pending PendingIndex) *Engine {
	return &Engine{ledger: ledger, pending: pending}
}

// CheckInput carries the campaign-side parameters of a collision check.
type CheckInput struct {
	WorkspaceID   string
	CampaignID    string
	GroupID       string
	WindowSeconds int
	Priority      int
	Policy        string
}

// Check returns a verdict per subject id. Subjects absent from the result
// are not blocked. With no group, or policy send_all, nothing is blocked.
func (e *Engine) Check(in CheckInput, candidates []Candidate) (map[string]Verdict, error) {
	verdicts := map[string]Verdict{}
	if in.GroupID == "" || in.Policy == models.PolicySendAll || len(candidates) == 0 {
		return verdicts, nil
	}

	subjectIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		subjectIDs = append(subjectIDs, c.SubjectID)
	}

	// A prior send in the window blocks a later one. Under
	// highest_priority_wins an entry written by a strictly
	// lower-precedence campaign does not shield the subject from a
	// higher-precedence one, so a priority-1 campaign still reaches
	// subjects a priority-2 campaign already served.
	since := time.Now().Add(-time.Duration(in.WindowSeconds) * time.Second)
	served, err := e.ledger.LatestWithin(in.GroupID, subjectIDs, since)
	if err != nil {
		return nil, fmt.Errorf("collision ledger lookup failed: %w", err)
	}
	for subjectID, entry := range served {
		if in.Policy == models.PolicyHighestPriorityWins && entry.Priority > in.Priority {
			continue
		}
		verdicts[subjectID] = Verdict{Blocked: true, Reason: ReasonAlreadySent}
	}

	if in.Policy != models.PolicyHighestPriorityWins {
		return verdicts, nil
	}

	// Under highest_priority_wins a pending recipient in a strictly
	// higher-precedence campaign also blocks. Equal priority never blocks.
	remaining := subjectIDs[:0]
	for _, id := range subjectIDs {
		if _, done := verdicts[id]; !done {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return verdicts, nil
	}

	outranked, err := e.pending.PendingLowerPriority(in.GroupID, in.CampaignID, in.Priority, remaining)
	if err != nil {
		return nil, fmt.Errorf("collision priority lookup failed: %w", err)
	}
	for subjectID := range outranked {
		verdicts[subjectID] = Verdict{Blocked: true, Reason: ReasonLowerPriority}
	}

	return verdicts, nil
}

// CheckOne is the single-subject form used at send time.
func (e *Engine) CheckOne(in CheckInput, subjectID string) (Verdict, error) {
	verdicts, err := e.Check(in, []Candidate{{SubjectID: subjectID}})
	if err != nil {
		return Verdict{}, err
	}
	return verdicts[subjectID], nil
}
