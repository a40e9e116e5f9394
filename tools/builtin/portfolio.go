package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/types"
)

type portfolioArgs struct {
	Portfolio types.Portfolio `json:"portfolio" jsonschema:"description=Portfolio snapshot to summarise."`
}

type allocation struct {
	AssetClass string  `json:"assetClass"`
	Value      float64 `json:"value"`
	Weight     float64 `json:"weight"`
}

// PortfolioSummary is the output of the portfolio_summary tool.
type PortfolioSummary struct {
	MarketValue   float64      `json:"marketValue"`
	Display       string       `json:"display"`
	UnrealizedPnL float64      `json:"unrealizedPnl"`
	Positions     int          `json:"positions"`
	Allocations   []allocation `json:"allocations"`
	Largest       string       `json:"largestPosition,omitempty"`
}

func NewPortfolioSummary() tools.Tool {
	return tools.NewFuncTool(
		PortfolioSummaryName,
		"Summarise a portfolio: market value, unrealised P&L and allocation by asset class.",
		tools.SchemaFor[portfolioArgs](),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			var in portfolioArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid portfolio_summary args: %w", err)
			}
			return Summarize(&in.Portfolio), nil
		},
	)
}

func Summarize(p *types.Portfolio) PortfolioSummary {
	out := PortfolioSummary{Allocations: []allocation{}}
	if p == nil {
		out.Display = formatMoney(0, "")
		return out
	}
	total := p.MarketValue()
	out.MarketValue = round2(total)
	out.Display = formatMoney(total, p.Currency)
	out.Positions = len(p.Holdings)

	byClass := map[string]float64{}
	var largestValue float64
	for _, h := range p.Holdings {
		value := h.Quantity * h.LastPrice
		class := h.AssetClass
		if class == "" {
			class = "other"
		}
		byClass[class] += value
		if h.CostBasis > 0 {
			out.UnrealizedPnL += value - h.Quantity*h.CostBasis
		}
		if value > largestValue {
			largestValue = value
			out.Largest = h.Symbol
		}
	}
	if p.Cash != 0 {
		byClass["cash"] += p.Cash
	}
	out.UnrealizedPnL = round2(out.UnrealizedPnL)

	for class, value := range byClass {
		weight := 0.0
		if total != 0 {
			weight = value / total
		}
		out.Allocations = append(out.Allocations, allocation{
			AssetClass: class,
			Value:      round2(value),
			Weight:     math.Round(weight*10000) / 10000,
		})
	}
	sort.Slice(out.Allocations, func(i, j int) bool {
		if out.Allocations[i].Value == out.Allocations[j].Value {
			return out.Allocations[i].AssetClass < out.Allocations[j].AssetClass
		}
		return out.Allocations[i].Value > out.Allocations[j].Value
	})
	return out
}

func formatMoney(v float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %s", humanize.CommafWithDigits(round2(v), 2), currency)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
