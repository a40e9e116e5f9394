package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/PipeOpsHQ/finagent/types"
)

// State is the value threaded through every node of a run. UserID is fixed
// when the thread is created; Iteration never decreases.
type State struct {
	ThreadID      string           `json:"threadId"`
	UserID        string           `json:"userId"`
	Messages      []types.Message  `json:"messages,omitempty"`
	Portfolio     *types.Portfolio `json:"portfolio,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
	Iteration     int              `json:"iteration"`
	MaxIterations int              `json:"maxIterations"`
	NodeOutputs   map[string]any   `json:"nodeOutputs,omitempty"`

	Input      string         `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	LastNodeID string         `json:"lastNodeId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (s *State) ensureData() {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]any{}
	}
}

func (s *State) EnsureData() {
	s.ensureData()
}

// Clone copies the slices and maps of s so the copy can be mutated freely.
// Map values are copied shallowly.
func (s State) Clone() State {
	out := s
	out.Messages = append([]types.Message(nil), s.Messages...)
	out.Errors = append([]string(nil), s.Errors...)
	out.Portfolio = s.Portfolio.Clone()
	out.NodeOutputs = maps.Clone(s.NodeOutputs)
	out.Data = maps.Clone(s.Data)
	return out
}

// LastAssistantContent returns the content of the newest assistant message.
func (s *State) LastAssistantContent() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == types.RoleAssistant && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

const checkpointVersion = 1

// cursor records where a thread stands inside the superstep loop. Frontier is
// the superstep being executed, Index the position of the next node to run in
// it and Next the successors collected so far for the following superstep.
type cursor struct {
	Frontier    []string `json:"frontier,omitempty"`
	Index       int      `json:"index"`
	Next        []string `json:"next,omitempty"`
	Interrupted string   `json:"interruptedNode,omitempty"`
	Reason      string   `json:"interruptReason,omitempty"`
}

func (c cursor) pending() []string {
	if c.Index < len(c.Frontier) {
		return append([]string(nil), c.Frontier[c.Index:]...)
	}
	return append([]string(nil), c.Next...)
}

func (c cursor) done() bool {
	return c.Interrupted == "" && len(c.pending()) == 0
}

type checkpointPayload struct {
	Version int   `json:"version"`
	State   State `json:"state"`
	cursor
	Done bool `json:"done,omitempty"`
}

func encodeCheckpoint(st State, cur cursor) (json.RawMessage, error) {
	raw, err := json.Marshal(checkpointPayload{
		Version: checkpointVersion,
		State:   st,
		cursor:  cur,
		Done:    cur.done(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return raw, nil
}

func decodeCheckpoint(raw json.RawMessage) (State, cursor, error) {
	if len(raw) == 0 {
		return State{}, cursor{}, fmt.Errorf("checkpoint state is empty")
	}
	var payload checkpointPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return State{}, cursor{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if payload.Version > checkpointVersion {
		return State{}, cursor{}, fmt.Errorf("unsupported checkpoint version %d", payload.Version)
	}
	payload.State.ensureData()
	return payload.State, payload.cursor, nil
}
