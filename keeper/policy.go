package keeper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPolicyNotFound indicates that no policy exists for the requested
// operation.
var ErrPolicyNotFound = errors.New("keeper: policy not found")

// Policy captures throttling rules for one keeper operation.
type Policy struct {
	Operation              string
	MinInterval            time.Duration
	MaxConsecutiveFailures int
}

// policyFile mirrors the YAML representation of a policy entry.
type policyFile struct {
	Operation              string `yaml:"operation"`
	MinInterval            string `yaml:"min_interval"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
}

var knownOperations = map[string]struct{}{
	EventReport: {},
	EventTend:   {},
}

// LoadPolicies reads keeper policies from the provided YAML file on disk.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []policyFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}

	policies := make([]Policy, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		op := strings.ToLower(strings.TrimSpace(entry.Operation))
		if op == "" {
			return nil, fmt.Errorf("policy operation required")
		}
		if _, ok := knownOperations[op]; !ok {
			return nil, fmt.Errorf("unknown policy operation %q", op)
		}
		if _, exists := seen[op]; exists {
			return nil, fmt.Errorf("duplicate policy for operation %s", op)
		}
		seen[op] = struct{}{}

		policy := Policy{Operation: op, MaxConsecutiveFailures: entry.MaxConsecutiveFailures}
		if raw := strings.TrimSpace(entry.MinInterval); raw != "" {
			interval, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("operation %s min_interval: %w", op, err)
			}
			if interval < 0 {
				return nil, fmt.Errorf("operation %s min_interval must not be negative", op)
			}
			policy.MinInterval = interval
		}
		if policy.MaxConsecutiveFailures <= 0 {
			policy.MaxConsecutiveFailures = 3
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// PolicyFor selects the policy for an operation from a loaded set.
func PolicyFor(policies []Policy, operation string) (Policy, error) {
	operation = strings.ToLower(strings.TrimSpace(operation))
	for _, p := range policies {
		if p.Operation == operation {
			return p, nil
		}
	}
	return Policy{}, ErrPolicyNotFound
}
