package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlevins/cleargate/internal/model"
)

// fileFormat mirrors the on-disk YAML policy document.
type fileFormat struct {
	Version       int         `yaml:"version"`
	DenyByDefault *bool       `yaml:"deny_by_default"`
	Policies      []policyDoc `yaml:"policies"`
}

type policyDoc struct {
	Action           string   `yaml:"action"`
	Risk             string   `yaml:"risk"`
	RequiredRole     string   `yaml:"required_role"`
	RoleMatch        string   `yaml:"role_match"`
	MinReputation    *float64 `yaml:"min_reputation"`
	RequiresApproval bool     `yaml:"requires_approval"`
	Allowlist        []string `yaml:"allowlist"`
}

// Load reads, validates, and seals a policy file into an immutable Set.
// Any validation failure rejects the whole file; a partially valid file
// never produces a partially loaded Set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML policy bytes into an immutable Set. The
// sha256 of the raw bytes is recorded as the set's source hash and
// carried into every audit entry written under that set.
func Parse(data []byte) (*Set, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", model.ErrPolicyReloadRejected, err)
	}

	if doc.Version <= 0 {
		return nil, fmt.Errorf("%w: version must be a positive integer, got %d", model.ErrPolicyReloadRejected, doc.Version)
	}
	if doc.DenyByDefault != nil && !*doc.DenyByDefault {
		return nil, fmt.Errorf("%w: deny_by_default cannot be disabled", model.ErrPolicyReloadRejected)
	}

	seen := make(map[string]bool, len(doc.Policies))
	policies := make([]ActionPolicy, 0, len(doc.Policies))
	for i, pd := range doc.Policies {
		p, err := validatePolicy(pd)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %d (%q): %v", model.ErrPolicyReloadRejected, i, pd.Action, err)
		}
		if seen[p.Action] {
			return nil, fmt.Errorf("%w: duplicate action %q", model.ErrPolicyReloadRejected, p.Action)
		}
		seen[p.Action] = true
		policies = append(policies, p)
	}

	h := sha256.Sum256(data)
	return NewSet(doc.Version, "sha256:"+hex.EncodeToString(h[:]), policies), nil
}

func validatePolicy(pd policyDoc) (ActionPolicy, error) {
	if pd.Action == "" {
		return ActionPolicy{}, fmt.Errorf("action must not be empty")
	}

	tier, ok := model.ParseRiskTier(pd.Risk)
	if !ok {
		return ActionPolicy{}, fmt.Errorf("unknown risk tier %q", pd.Risk)
	}

	role, ok := model.ParseRole(pd.RequiredRole)
	if !ok {
		return ActionPolicy{}, fmt.Errorf("unknown required_role %q", pd.RequiredRole)
	}

	match := MatchAtLeast
	switch pd.RoleMatch {
	case "", string(MatchAtLeast):
	case string(MatchExact):
		match = MatchExact
	default:
		return ActionPolicy{}, fmt.Errorf("unknown role_match %q", pd.RoleMatch)
	}

	if pd.MinReputation != nil && (*pd.MinReputation < 0 || *pd.MinReputation > 1) {
		return ActionPolicy{}, fmt.Errorf("min_reputation %v outside [0, 1]", *pd.MinReputation)
	}

	return ActionPolicy{
		Action:           pd.Action,
		RiskTier:         tier,
		RequiredRole:     role,
		RoleMatch:        match,
		MinReputation:    pd.MinReputation,
		RequiresApproval: pd.RequiresApproval,
		Allowlist:        pd.Allowlist,
	}, nil
}

// DefaultConfigYAML returns a commented starter policy file for init-policy.
func DefaultConfigYAML() string {
	return `# cleargate policy configuration
# Generated by: cleargate init-policy
#
# Any action not listed here is denied. That is structural and cannot
# be turned off; deny_by_default exists only so an explicit "false"
# is rejected at load time.
#
# Fields per policy:
#   action: unique action name (e.g. resource.delete)
#   risk: low | medium | high | critical
#   required_role: admin | operator | user | agent
#   role_match: at_least (default) | exact
#   min_reputation: optional, 0.0 - 1.0; absent or stale reputation denies
#   requires_approval: true routes the action through the approval workflow
#   allowlist: optional list of "kind:id" subject references

version: 1
deny_by_default: true

policies:
  - action: resource.delete
    risk: high
    required_role: admin
    requires_approval: true

  - action: deploy.promote
    risk: critical
    required_role: operator
    requires_approval: true

  - action: mission.execute
    risk: medium
    required_role: agent
    min_reputation: 0.6

  - action: config.write
    risk: medium
    required_role: operator

  - action: policy.reload
    risk: high
    required_role: admin
    role_match: exact
`
}
