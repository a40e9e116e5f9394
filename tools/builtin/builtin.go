// Package builtin provides the tools every finagent deployment registers.
package builtin

import "github.com/PipeOpsHQ/finagent/tools"

const (
	CalculatorName       = "calculator"
	PortfolioSummaryName = "portfolio_summary"

	BundleFinance = "finance"
)

// Register adds the builtin tools to reg along with any extra tools (for
// example the FRED client), and groups all of them in the finance bundle.
func Register(reg *tools.Registry, extra ...tools.Tool) error {
	for _, tool := range append([]tools.Tool{NewCalculator(), NewPortfolioSummary()}, extra...) {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	names := []string{CalculatorName, PortfolioSummaryName}
	for _, tool := range extra {
		names = append(names, tool.Definition().Name)
	}
	return reg.RegisterBundle(BundleFinance, "Tools available to the financial-analysis workflow.", names)
}
