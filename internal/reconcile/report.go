package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
)

// Phase names the part of a cycle an entity failed in.
type Phase string

const (
	PhasePresence           Phase = "presence"
	PhasePermissions        Phase = "permissions"
	PhaseSendOnBehalfScan   Phase = "sob_scan"
	PhaseStaleness          Phase = "staleness"
	PhaseSendOnBehalfCommit Phase = "sob_commit"
)

// EntityError is a per-entity failure recorded in a Report.
type EntityError struct {
	Identifier string
	Phase      Phase
	Err        error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Identifier, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// MarshalJSON renders the cause as a string.
func (e *EntityError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Identifier string `json:"identifier"`
		Phase      Phase  `json:"phase"`
		Error      string `json:"error"`
	}{e.Identifier, e.Phase, msg})
}

// Report summarizes one cycle. Counters may be updated concurrently while the
// cycle runs; the report is read-only once RunCycle returns.
type Report struct {
	RunID      string        `json:"run_id"`
	Epoch      account.Epoch `json:"epoch"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	Entries int `json:"entries"`
	Tracked int `json:"tracked"`

	Created               int `json:"created"`
	MailboxesCreated      int `json:"mailboxes_created"`
	Updated               int `json:"updated"`
	Deactivated           int `json:"deactivated"`
	StaleIncremented      int `json:"stale_incremented"`
	Skipped               int `json:"skipped"`
	Granted               int `json:"granted"`
	Revoked               int `json:"revoked"`
	SendOnBehalfCommitted int `json:"send_on_behalf_committed"`

	Errors []*EntityError `json:"errors"`

	mu sync.Mutex
}

func newReport(epoch account.Epoch, started time.Time) *Report {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Report{RunID: id.String(), Epoch: epoch, StartedAt: started, Errors: []*EntityError{}}
}

func (r *Report) add(field *int, n int) {
	r.mu.Lock()
	*field += n
	r.mu.Unlock()
}

func (r *Report) fail(id string, phase Phase, err error) *EntityError {
	ee := &EntityError{Identifier: id, Phase: phase, Err: err}
	r.mu.Lock()
	r.Errors = append(r.Errors, ee)
	r.mu.Unlock()
	return ee
}

// Duration is the wall time the cycle took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OK reports whether the cycle finished without per-entity failures.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

// ErrorsByPhase counts failures per phase.
func (r *Report) ErrorsByPhase() map[Phase]int {
	out := make(map[Phase]int)
	for _, e := range r.Errors {
		out[e.Phase]++
	}
	return out
}
