// Package policy resolves the gating policy of a governed unit from the
// configured defaults and an optional YAML rules file.
package policy

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waabox/changegate/internal/domain"
	"github.com/waabox/changegate/internal/poll"
)

// Action is what happens to a wait when one of its timeouts fires.
type Action string

const (
	ActionAbort    Action = "abort"
	ActionContinue Action = "continue"
)

// Policy is the effective gating policy of a unit.
type Policy struct {
	// Track enables whole-job gating for the unit.
	Track bool `json:"track"`
	// TolerateErrors turns change system failures into approvals.
	TolerateErrors  bool          `json:"tolerateErrors"`
	PollInterval    time.Duration `json:"pollInterval"`
	CreationTimeout time.Duration `json:"creationTimeout"`
	StepTimeout     time.Duration `json:"stepTimeout"`
	TimeoutAction   Action        `json:"timeoutAction"`
}

// Settings returns the scheduler settings of the policy.
func (p Policy) Settings() poll.Settings {
	return poll.Settings{
		PollInterval:    p.PollInterval,
		CreationTimeout: p.CreationTimeout,
		StepTimeout:     p.StepTimeout,
	}
}

// Rule overrides policy fields for units matching its patterns. Empty
// patterns match everything; a rule with a stage pattern never matches a
// whole job.
type Rule struct {
	MatchJob        string         `yaml:"match_job"`
	MatchStage      string         `yaml:"match_stage"`
	Track           *bool          `yaml:"track"`
	TolerateErrors  *bool          `yaml:"tolerate_errors"`
	PollInterval    *time.Duration `yaml:"poll_interval"`
	CreationTimeout *time.Duration `yaml:"creation_timeout"`
	StepTimeout     *time.Duration `yaml:"step_timeout"`
	TimeoutAction   *Action        `yaml:"timeout_action"`
}

type file struct {
	Rules []Rule `yaml:"rules"`
}

// Resolver picks the policy of a unit: the first matching rule applied
// over the defaults.
type Resolver struct {
	defaults Policy
	rules    []Rule
}

// NewResolver creates a Resolver from explicit rules.
func NewResolver(defaults Policy, rules []Rule) *Resolver {
	return &Resolver{defaults: defaults, rules: rules}
}

// Load reads rules from a YAML file. An empty path yields the defaults only.
func Load(filePath string, defaults Policy) (*Resolver, error) {
	if filePath == "" {
		return NewResolver(defaults, nil), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	for i, r := range f.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i, err)
		}
	}
	return NewResolver(defaults, f.Rules), nil
}

// For returns the policy of the unit.
func (r *Resolver) For(unit domain.UnitMetadata) Policy {
	p := r.defaults
	for _, rule := range r.rules {
		if rule.matches(unit) {
			rule.apply(&p)
			break
		}
	}
	return p
}

func (r Rule) validate() error {
	for _, pattern := range []string{r.MatchJob, r.MatchStage} {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	if r.TimeoutAction != nil && *r.TimeoutAction != ActionAbort && *r.TimeoutAction != ActionContinue {
		return fmt.Errorf("invalid timeout_action %q", *r.TimeoutAction)
	}
	return nil
}

func (r Rule) matches(unit domain.UnitMetadata) bool {
	if r.MatchJob != "" {
		if ok, _ := path.Match(r.MatchJob, unit.JobName); !ok {
			return false
		}
	}
	if r.MatchStage != "" {
		if unit.Kind != domain.UnitStage {
			return false
		}
		if ok, _ := path.Match(r.MatchStage, unit.StageName); !ok {
			return false
		}
	}
	return true
}

func (r Rule) apply(p *Policy) {
	if r.Track != nil {
		p.Track = *r.Track
	}
	if r.TolerateErrors != nil {
		p.TolerateErrors = *r.TolerateErrors
	}
	if r.PollInterval != nil {
		p.PollInterval = *r.PollInterval
	}
	if r.CreationTimeout != nil {
		p.CreationTimeout = *r.CreationTimeout
	}
	if r.StepTimeout != nil {
		p.StepTimeout = *r.StepTimeout
	}
	if r.TimeoutAction != nil {
		p.TimeoutAction = *r.TimeoutAction
	}
}
