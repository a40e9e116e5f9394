package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Name       string     `json:"name,omitempty"` // Tool name for tool role messages.
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

type Request struct {
	Model           string           `json:"model,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"maxOutputTokens,omitempty"`
	ResponseSchema  map[string]any   `json:"responseSchema,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}

type StreamChunk struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// Holding is one position of a portfolio snapshot.
type Holding struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	CostBasis  float64 `json:"costBasis,omitempty"`
	LastPrice  float64 `json:"lastPrice,omitempty"`
	AssetClass string  `json:"assetClass,omitempty"`
}

// Portfolio is the optional account context a conversation is scoped to.
type Portfolio struct {
	ID       string    `json:"id,omitempty"`
	Currency string    `json:"currency,omitempty"`
	Cash     float64   `json:"cash,omitempty"`
	Holdings []Holding `json:"holdings,omitempty"`
	AsOf     time.Time `json:"asOf,omitempty"`
}

// MarketValue sums cash and the last-price value of every holding.
func (p *Portfolio) MarketValue() float64 {
	if p == nil {
		return 0
	}
	total := p.Cash
	for _, h := range p.Holdings {
		total += h.Quantity * h.LastPrice
	}
	return total
}

// Clone returns a deep copy so checkpointed snapshots never alias caller data.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	out := *p
	out.Holdings = append([]Holding(nil), p.Holdings...)
	return &out
}
