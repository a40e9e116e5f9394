package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/types"
)

type Bundle struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry maps capability names to tools. It is safe for concurrent use and
// is normally built once at startup and shared by every graph invocation.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	bundles map[string]Bundle
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		bundles: map[string]Bundle{},
	}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) RegisterBundle(name, description string, toolNames []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("bundle name is required")
	}
	cleaned := make([]string, 0, len(toolNames))
	for _, t := range toolNames {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		cleaned = append(cleaned, t)
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("bundle %q has no tools", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bundles[name]; exists {
		return fmt.Errorf("bundle %q already registered", name)
	}
	r.bundles[name] = Bundle{Name: name, Description: strings.TrimSpace(description), Tools: cleaned}
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Catalog() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.tools))
	for name, tool := range r.tools {
		out = append(out, ToolInfo{Name: name, Description: tool.Definition().Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the definitions of the selected tools, suitable for an
// LLM request.
func (r *Registry) Definitions(selection []string) ([]types.ToolDefinition, error) {
	selected, err := r.Select(selection)
	if err != nil {
		return nil, err
	}
	out := make([]types.ToolDefinition, 0, len(selected))
	for _, tool := range selected {
		out = append(out, tool.Definition())
	}
	return out, nil
}

// Select resolves tool names, "@bundle" references and "*" into tools, in
// selection order and without duplicates.
func (r *Registry) Select(selection []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]Tool, 0, len(selection))
	seen := map[string]bool{}

	appendName := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		tool, ok := r.tools[name]
		if !ok {
			return errdefs.NotFound("unknown tool %q", name)
		}
		seen[name] = true
		ordered = append(ordered, tool)
		return nil
	}

	for _, raw := range selection {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		switch {
		case strings.HasPrefix(entry, "@"):
			bundleName := strings.TrimPrefix(entry, "@")
			bundle, ok := r.bundles[bundleName]
			if !ok {
				return nil, errdefs.NotFound("unknown tool bundle %q", bundleName)
			}
			for _, n := range bundle.Tools {
				if err := appendName(n); err != nil {
					return nil, err
				}
			}
		case entry == "*":
			all := make([]string, 0, len(r.tools))
			for n := range r.tools {
				all = append(all, n)
			}
			sort.Strings(all)
			for _, n := range all {
				if err := appendName(n); err != nil {
					return nil, err
				}
			}
		default:
			if err := appendName(entry); err != nil {
				return nil, err
			}
		}
	}
	return ordered, nil
}

// Invoke resolves name, validates args against the tool's declared schema and
// executes it. The Result is returned even when the tool fails and is also
// handed to any Recorder carried by ctx.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	started := time.Now().UTC()
	res := Result{Tool: name, Input: args, StartedAt: started}
	finish := func(err error) (Result, error) {
		res.DurationMs = time.Since(started).Milliseconds()
		if err != nil {
			res.Error = err.Error()
		}
		if rec := recorderFrom(ctx); rec != nil {
			rec.RecordTool(res)
		}
		return res, err
	}

	tool, ok := r.Lookup(name)
	if !ok {
		return finish(errdefs.NotFound("unknown tool %q", name))
	}
	if err := ValidateArgs(tool.Definition().JSONSchema, args); err != nil {
		return finish(err)
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return finish(fmt.Errorf("tool %q failed: %w", name, err))
	}
	res.Output = out
	return finish(nil)
}
