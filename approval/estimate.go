package approval

import "math"

// ToolPrice is the unit cost and latency of one tool call.
type ToolPrice struct {
	Cost    float64 `yaml:"cost" json:"cost"`
	Seconds float64 `yaml:"seconds" json:"seconds"`
}

// Pricing drives Estimator. Zero fields fall back to DefaultPricing.
type Pricing struct {
	Tools               map[string]ToolPrice `yaml:"tools" json:"tools"`
	NodeTokens          map[string]int       `yaml:"nodeTokens" json:"nodeTokens"`
	LLMCostPer1K        float64              `yaml:"llmCostPer1K" json:"llmCostPer1K"`
	TokensPerSecond     float64              `yaml:"tokensPerSecond" json:"tokensPerSecond"`
	NodeOverheadSeconds float64              `yaml:"nodeOverheadSeconds" json:"nodeOverheadSeconds"`
	DefaultTool         ToolPrice            `yaml:"defaultTool" json:"defaultTool"`
	DefaultNodeTokens   int                  `yaml:"defaultNodeTokens" json:"defaultNodeTokens"`
}

func DefaultPricing() Pricing {
	return Pricing{
		Tools: map[string]ToolPrice{
			"FRED": {Cost: 0.01, Seconds: 2},
		},
		NodeTokens: map[string]int{
			"observer": 2000,
		},
		LLMCostPer1K:        0.005,
		TokensPerSecond:     250,
		NodeOverheadSeconds: 2,
		DefaultTool:         ToolPrice{Cost: 0.005, Seconds: 1.5},
		DefaultNodeTokens:   1500,
	}
}

func (p Pricing) withDefaults() Pricing {
	d := DefaultPricing()
	if p.Tools == nil {
		p.Tools = d.Tools
	}
	if p.NodeTokens == nil {
		p.NodeTokens = d.NodeTokens
	}
	if p.LLMCostPer1K <= 0 {
		p.LLMCostPer1K = d.LLMCostPer1K
	}
	if p.TokensPerSecond <= 0 {
		p.TokensPerSecond = d.TokensPerSecond
	}
	if p.NodeOverheadSeconds <= 0 {
		p.NodeOverheadSeconds = d.NodeOverheadSeconds
	}
	if p.DefaultTool == (ToolPrice{}) {
		p.DefaultTool = d.DefaultTool
	}
	if p.DefaultNodeTokens <= 0 {
		p.DefaultNodeTokens = d.DefaultNodeTokens
	}
	return p
}

// Plan lists the analysis nodes and tools a run is about to use.
type Plan struct {
	Nodes []string `json:"nodes"`
	Tools []string `json:"tools"`
}

type NodeCost struct {
	Node        string  `json:"node"`
	Cost        float64 `json:"cost"`
	TimeSeconds float64 `json:"timeSeconds"`
}

// CostEstimate totals always equal the sum of the breakdown.
type CostEstimate struct {
	TotalCost        float64    `json:"totalCost"`
	TotalTimeSeconds float64    `json:"totalTimeSeconds"`
	Breakdown        []NodeCost `json:"breakdown"`
}

// ToolsEntry names the breakdown row that carries tool cost when the plan has
// no nodes.
const ToolsEntry = "tools"

type Estimator struct {
	pricing Pricing
}

func NewEstimator(pricing Pricing) *Estimator {
	return &Estimator{pricing: pricing.withDefaults()}
}

func (e *Estimator) Pricing() Pricing { return e.pricing }

// Estimate prices plan. Tool cost and latency are spread evenly over the
// planned nodes.
func (e *Estimator) Estimate(plan Plan) CostEstimate {
	p := e.pricing
	var toolCost, toolTime float64
	for _, name := range plan.Tools {
		price, ok := p.Tools[name]
		if !ok {
			price = p.DefaultTool
		}
		toolCost += price.Cost
		toolTime += price.Seconds
	}

	est := CostEstimate{Breakdown: []NodeCost{}}
	if len(plan.Nodes) == 0 {
		if len(plan.Tools) > 0 {
			est.Breakdown = append(est.Breakdown, NodeCost{Node: ToolsEntry, Cost: round(toolCost), TimeSeconds: round(toolTime)})
		}
	} else {
		share := float64(len(plan.Nodes))
		for _, node := range plan.Nodes {
			tokens, ok := p.NodeTokens[node]
			if !ok {
				tokens = p.DefaultNodeTokens
			}
			cost := float64(tokens)/1000*p.LLMCostPer1K + toolCost/share
			seconds := float64(tokens)/p.TokensPerSecond + p.NodeOverheadSeconds + toolTime/share
			est.Breakdown = append(est.Breakdown, NodeCost{Node: node, Cost: round(cost), TimeSeconds: round(seconds)})
		}
	}
	for _, row := range est.Breakdown {
		est.TotalCost += row.Cost
		est.TotalTimeSeconds += row.TimeSeconds
	}
	est.TotalCost = round(est.TotalCost)
	est.TotalTimeSeconds = round(est.TotalTimeSeconds)
	return est
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
