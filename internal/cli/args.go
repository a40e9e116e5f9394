package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/finagent/types"
)

type cliOptions struct {
	configPath    string
	userID        string
	threadID      string
	portfolioPath string
	maxIterations int
	limit         int
	reason        string
}

// parseArgs splits --key=value flags from positional arguments.
func parseArgs(args []string) (cliOptions, []string, error) {
	opts := cliOptions{userID: strings.TrimSpace(os.Getenv("FINAGENT_USER"))}
	positional := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		key, value, isFlag := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !strings.HasPrefix(arg, "--") || !isFlag {
			positional = append(positional, arg)
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "config":
			opts.configPath = value
		case "user":
			opts.userID = value
		case "thread":
			opts.threadID = value
		case "portfolio":
			opts.portfolioPath = value
		case "reason":
			opts.reason = value
		case "max-iterations", "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return opts, nil, fmt.Errorf("--%s must be a non-negative integer, got %q", key, value)
			}
			if key == "limit" {
				opts.limit = n
			} else {
				opts.maxIterations = n
			}
		default:
			return opts, nil, fmt.Errorf("unknown flag --%s", key)
		}
	}
	return opts, positional, nil
}

func normalizeInput(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func (o cliOptions) requireUser() error {
	if o.userID == "" {
		return fmt.Errorf("--user (or FINAGENT_USER) is required")
	}
	return nil
}

func loadPortfolio(path string) (*types.Portfolio, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portfolio: %w", err)
	}
	var p types.Portfolio
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse portfolio %s: %w", path, err)
	}
	return &p, nil
}
