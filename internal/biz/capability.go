package biz

import (
	"regexp"
	"strings"
	"time"

	"MetaCrew/internal/conf"
)

// ModelCapability is request tuning for models whose id matches Pattern.
type ModelCapability struct {
	Pattern      string
	Timeout      time.Duration
	PromptSuffix string
}

type compiledCapability struct {
	ModelCapability
	re *regexp.Regexp
}

// CapabilityTable maps model ids to timeouts and prompt suffixes. Patterns
// are case-insensitive globs where * matches any run of characters,
// including "/", and ? matches one character. The first match wins.
type CapabilityTable struct {
	baseTimeout time.Duration
	entries     []compiledCapability
}

// NewCapabilityTable builds the table from c.Capabilities.
func NewCapabilityTable(c *conf.OpenRouter) *CapabilityTable {
	base := 120 * time.Second
	var caps []ModelCapability
	if c != nil {
		if d := c.BaseTimeout.AsDuration(); d > 0 {
			base = d
		}
		for _, e := range c.Capabilities {
			if e == nil {
				continue
			}
			caps = append(caps, ModelCapability{
				Pattern:      e.Pattern,
				Timeout:      e.Timeout.AsDuration(),
				PromptSuffix: e.PromptSuffix,
			})
		}
	}
	return newCapabilityTable(base, caps)
}

func newCapabilityTable(base time.Duration, caps []ModelCapability) *CapabilityTable {
	t := &CapabilityTable{baseTimeout: base}
	for _, c := range caps {
		if c.Pattern == "" {
			continue
		}
		t.entries = append(t.entries, compiledCapability{ModelCapability: c, re: globToRegexp(c.Pattern)})
	}
	return t
}

func globToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

// Lookup returns the first capability whose pattern matches modelID.
func (t *CapabilityTable) Lookup(modelID string) (ModelCapability, bool) {
	for _, e := range t.entries {
		if e.re.MatchString(modelID) {
			return e.ModelCapability, true
		}
	}
	return ModelCapability{}, false
}

// Timeout is the matched capability's timeout, never below the base timeout.
func (t *CapabilityTable) Timeout(modelID string) time.Duration {
	if c, ok := t.Lookup(modelID); ok && c.Timeout > t.baseTimeout {
		return c.Timeout
	}
	return t.baseTimeout
}

func (t *CapabilityTable) PromptSuffix(modelID string) string {
	if c, ok := t.Lookup(modelID); ok {
		return c.PromptSuffix
	}
	return ""
}
