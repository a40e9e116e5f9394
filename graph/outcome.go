package graph

import (
	"time"

	"github.com/PipeOpsHQ/finagent/types"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
)

// Outcome is the result of Invoke or Resume. Exactly one of the status
// specific fields is meaningful: Reason and Node for Suspended, Err for
// Failed.
type Outcome struct {
	Status   Status
	ThreadID string
	State    State
	Reason   string
	Node     string
	Err      error
	Steps    []string
	Seq      int
}

func (o Outcome) Completed() bool { return o.Status == StatusCompleted }
func (o Outcome) Suspended() bool { return o.Status == StatusSuspended }
func (o Outcome) Failed() bool    { return o.Status == StatusFailed }

// Config selects the checkpoint lineage an operation works on.
type Config struct {
	ThreadID string
}

// Snapshot is the latest checkpoint of a thread.
type Snapshot struct {
	ThreadID        string    `json:"threadId"`
	Seq             int       `json:"seq"`
	State           State     `json:"state"`
	Next            []string  `json:"next,omitempty"`
	InterruptedNode string    `json:"interruptedNode,omitempty"`
	InterruptReason string    `json:"interruptReason,omitempty"`
	Done            bool      `json:"done"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Suspended reports whether the thread waits on Resume.
func (s Snapshot) Suspended() bool { return s.InterruptedNode != "" }

// Patch is merged into the latest checkpoint by UpdateState. Messages and
// Errors are appended, maps are merged key by key and non-nil scalars replace
// the current value. The owning user cannot be patched.
type Patch struct {
	Messages      []types.Message
	Portfolio     *types.Portfolio
	Data          map[string]any
	NodeOutputs   map[string]any
	MaxIterations *int
	Errors        []string
}

func (p Patch) apply(st *State) {
	st.ensureData()
	st.Messages = append(st.Messages, p.Messages...)
	if p.Portfolio != nil {
		st.Portfolio = p.Portfolio.Clone()
	}
	for k, v := range p.Data {
		st.Data[k] = v
	}
	for k, v := range p.NodeOutputs {
		st.NodeOutputs[k] = v
	}
	if p.MaxIterations != nil {
		st.MaxIterations = *p.MaxIterations
	}
	st.Errors = append(st.Errors, p.Errors...)
}
