package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/types"
)

type Node interface {
	Execute(ctx context.Context, state *State) error
}

type nodeIDKey struct{}

func withNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeIDFrom returns the id of the node being executed, if any.
func NodeIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey{}).(string)
	return id
}

type Func func(ctx context.Context, state *State) error

type FuncNode struct {
	Func Func
}

func NewFuncNode(fn Func) *FuncNode {
	return &FuncNode{Func: fn}
}

func (n *FuncNode) Execute(ctx context.Context, state *State) error {
	if n == nil || n.Func == nil {
		return fmt.Errorf("func node func is required")
	}
	if state == nil {
		return fmt.Errorf("state is required")
	}
	return n.Func(ctx, state)
}

type RouteFunc func(ctx context.Context, state *State) (string, error)

// RouterNode stores its decision under RouteKey ("route" by default) for
// RouteEquals edges to pick up.
type RouterNode struct {
	Route    RouteFunc
	RouteKey string
}

func NewRouterNode(route RouteFunc) *RouterNode {
	return &RouterNode{Route: route}
}

func (n *RouterNode) Execute(ctx context.Context, state *State) error {
	if n == nil || n.Route == nil {
		return fmt.Errorf("router node route func is required")
	}
	if state == nil {
		return fmt.Errorf("state is required")
	}

	route, err := n.Route(ctx, state)
	if err != nil {
		return err
	}
	state.ensureData()
	key := n.RouteKey
	if key == "" {
		key = "route"
	}
	state.Data[key] = route
	return nil
}

const defaultMaxToolRounds = 4

// ToolErrorFunc handles a failed tool call inside an LLMNode. Returning nil
// feeds the failure back to the model as the tool result; returning an error
// fails the node.
type ToolErrorFunc func(ctx context.Context, state *State, result tools.Result, err error) error

// LLMNode asks Provider for a reply to the conversation, running any tool
// calls through Registry until the model answers without one.
type LLMNode struct {
	Provider      llm.Provider
	SystemPrompt  string
	Tools         []string
	Registry      *tools.Registry
	MaxToolRounds int
	OutputKey     string
	OnToolError   ToolErrorFunc
}

func (n *LLMNode) Execute(ctx context.Context, state *State) error {
	if n == nil || n.Provider == nil {
		return fmt.Errorf("llm node provider is required")
	}
	if state == nil {
		return fmt.Errorf("state is required")
	}
	state.ensureData()

	var defs []types.ToolDefinition
	if len(n.Tools) > 0 {
		if n.Registry == nil {
			return fmt.Errorf("llm node declares tools but has no registry")
		}
		var err error
		if defs, err = n.Registry.Definitions(n.Tools); err != nil {
			return err
		}
	}

	rounds := n.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}

	for round := 0; ; round++ {
		resp, err := llm.Generate(ctx, n.Provider, types.Request{
			SystemPrompt: n.SystemPrompt,
			Messages:     state.Messages,
			Tools:        defs,
		})
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		msg := resp.Message
		if msg.Role == "" {
			msg.Role = types.RoleAssistant
		}
		state.Messages = append(state.Messages, msg)

		if len(msg.ToolCalls) == 0 {
			n.record(ctx, state, msg)
			return nil
		}
		if round >= rounds {
			return fmt.Errorf("tool call rounds exceeded (%d)", rounds)
		}
		for _, call := range msg.ToolCalls {
			content, err := n.invoke(ctx, state, call)
			if err != nil {
				return err
			}
			state.Messages = append(state.Messages, types.Message{
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}
}

func (n *LLMNode) invoke(ctx context.Context, state *State, call types.ToolCall) (string, error) {
	if n.Registry == nil {
		return "", fmt.Errorf("model called tool %q but node has no registry", call.Name)
	}
	res, err := n.Registry.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		if n.OnToolError == nil {
			return "", err
		}
		if ferr := n.OnToolError(ctx, state, res, err); ferr != nil {
			return "", ferr
		}
		return "error: " + err.Error(), nil
	}
	raw, err := json.Marshal(res.Output)
	if err != nil {
		return "", fmt.Errorf("encode %q result: %w", call.Name, err)
	}
	return string(raw), nil
}

func (n *LLMNode) record(ctx context.Context, state *State, msg types.Message) {
	state.Output = msg.Content
	out := map[string]any{"content": msg.Content}
	if msg.Reasoning != "" {
		out["reasoning"] = msg.Reasoning
	}
	if id := NodeIDFrom(ctx); id != "" {
		state.NodeOutputs[id] = out
	}
	if n.OutputKey != "" {
		state.Data[n.OutputKey] = msg.Content
	}
}
