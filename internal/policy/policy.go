// Package policy screens task prompts before they are accepted into the
// queue. Rules are regex-based and reloadable from a YAML file.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface the dispatcher uses to screen prompts.
type Checker interface {
	// CheckPrompt returns the names of every rule the prompt trips.
	// An empty result means the prompt is clean.
	CheckPrompt(prompt string) []string
	Version() string
}

// Rule is a single named pattern. Patterns are case-insensitive.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Policy is the serializable rule set.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Default returns the built-in rule set used when no policy file exists.
// It targets prompt-injection staples and credential exfiltration asks.
func Default() Policy {
	return Policy{Rules: []Rule{
		{Name: "ignore-instructions", Pattern: `ignore (all )?(previous|prior|above) instructions`},
		{Name: "reveal-system-prompt", Pattern: `(reveal|print|show|repeat).{0,40}(system prompt|hidden instructions)`},
		{Name: "exfiltrate-secrets", Pattern: `(send|post|upload|exfiltrate).{0,60}(api[ _-]?key|credentials|\.env|secret)`},
		{Name: "destructive-shell", Pattern: `rm\s+-rf\s+[/~]`},
	}}
}

// Load reads a rule set from path. A missing or empty file yields the
// default rule set.
func Load(path string) (Policy, error) {
	if path == "" {
		return compiled(Default())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return compiled(Default())
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return compiled(Default())
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return compiled(p)
}

func compiled(p Policy) (Policy, error) {
	for i := range p.Rules {
		r := &p.Rules[i]
		if strings.TrimSpace(r.Name) == "" {
			return Policy{}, fmt.Errorf("policy rule %d: missing name", i)
		}
		re, err := regexp.Compile(`(?is)` + r.Pattern)
		if err != nil {
			return Policy{}, fmt.Errorf("policy rule %q: %w", r.Name, err)
		}
		r.re = re
	}
	return p, nil
}

// CheckPrompt returns the names of every rule the prompt trips.
func (p Policy) CheckPrompt(prompt string) []string {
	var flags []string
	for _, r := range p.Rules {
		if r.re != nil && r.re.MatchString(prompt) {
			flags = append(flags, r.Name)
		}
	}
	return flags
}

// Version returns a stable fingerprint of the rule set.
func (p Policy) Version() string {
	h := fnv.New64a()
	for _, r := range p.Rules {
		_, _ = h.Write([]byte(r.Name + "=" + r.Pattern + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reload, used with the config
// file watcher.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) CheckPrompt(prompt string) []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.CheckPrompt(prompt)
}

func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// Reload replaces the rule set.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile updates the live policy only when the incoming file parses.
// On error, the previous rules remain active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
