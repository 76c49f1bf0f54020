// Package notify decides whether an incoming message deserves a sound.
// The decision is driven by a YAML policy file that can be reloaded
// while the daemon runs.
package notify

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the notification policy.
//
//	sound: true
//	mention_only: false
//	muted_channels: ["123"]
//	keywords: ["deploy", "outage"]
//	quiet_hours:
//	  start: "22:00"
//	  end: "07:00"
type Policy struct {
	Sound         bool        `yaml:"sound"`
	MentionOnly   bool        `yaml:"mention_only"`
	MutedChannels []string    `yaml:"muted_channels"`
	Keywords      []string    `yaml:"keywords"`
	QuietHours    *QuietHours `yaml:"quiet_hours"`
}

// QuietHours is a daily window, in local time, during which nothing
// sounds. The window may wrap past midnight.
type QuietHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	start, end int // minutes since midnight
}

// DefaultPolicy sounds for every message from someone else.
func DefaultPolicy() *Policy {
	return &Policy{Sound: true}
}

// Parse decodes and validates a policy document. An empty document
// yields the default policy.
func Parse(data []byte) (*Policy, error) {
	p := DefaultPolicy()

	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing notification policy: %w", err)
	}

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("validating notification policy: %w", err)
	}

	return p, nil
}

// LoadFile reads a policy from path. A missing file yields the default
// policy.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPolicy(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading notification policy: %w", err)
	}

	return Parse(data)
}

func (p *Policy) validate() error {
	for i, k := range p.Keywords {
		p.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
		if p.Keywords[i] == "" {
			return fmt.Errorf("keyword %d is empty", i+1)
		}
	}

	if p.QuietHours == nil {
		return nil
	}

	start, err := parseClock(p.QuietHours.Start)
	if err != nil {
		return fmt.Errorf("quiet_hours.start: %w", err)
	}

	end, err := parseClock(p.QuietHours.End)
	if err != nil {
		return fmt.Errorf("quiet_hours.end: %w", err)
	}

	p.QuietHours.start, p.QuietHours.end = start, end

	return nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}

	return t.Hour()*60 + t.Minute(), nil
}

// contains reports whether t falls inside the window.
func (q *QuietHours) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()

	switch {
	case q.start == q.end:
		return false
	case q.start < q.end:
		return m >= q.start && m < q.end
	default:
		return m >= q.start || m < q.end
	}
}

func (p *Policy) muted(channelID string) bool {
	return slices.Contains(p.MutedChannels, channelID)
}

func (p *Policy) matchesKeyword(content string) bool {
	lower := strings.ToLower(content)

	for _, k := range p.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}

	return false
}
