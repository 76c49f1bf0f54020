package notify

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Reason explains a decision.
type Reason string

const (
	ReasonSound      Reason = "sound"
	ReasonKeyword    Reason = "keyword"
	ReasonMention    Reason = "mention"
	ReasonOwn        Reason = "own message"
	ReasonDisabled   Reason = "sound disabled"
	ReasonMuted      Reason = "channel muted"
	ReasonQuietHours Reason = "quiet hours"
	ReasonNoMention  Reason = "not mentioned"
)

// Decision is the outcome for one message.
type Decision struct {
	Sound  bool
	Reason Reason
}

// Notifier applies the current policy to incoming messages. The policy
// may be swapped at any time with Reload.
type Notifier struct {
	policy atomic.Pointer[Policy]
	self   func() *models.User
	sink   func(models.Message, Decision)
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Notifier. self returns the current user so own
// messages never sound; sink receives every message that should.
func New(policy *Policy, self func() *models.User, sink func(models.Message, Decision), logger *slog.Logger) *Notifier {
	if policy == nil {
		policy = DefaultPolicy()
	}

	n := &Notifier{self: self, sink: sink, logger: logger, now: time.Now}
	n.policy.Store(policy)

	return n
}

// NewFromFile creates a Notifier whose policy is read from path.
func NewFromFile(path string, self func() *models.User, sink func(models.Message, Decision), logger *slog.Logger) (*Notifier, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	n := New(p, self, sink, logger)
	n.path = path

	return n, nil
}

// Path returns the policy file, or "" when none is used.
func (n *Notifier) Path() string {
	return n.path
}

// Policy returns the active policy.
func (n *Notifier) Policy() *Policy {
	return n.policy.Load()
}

// Reload re-reads the policy file. On error the previous policy stays
// in force.
func (n *Notifier) Reload() {
	if n.path == "" {
		return
	}

	p, err := LoadFile(n.path)
	if err != nil {
		n.logger.Warn("keeping previous notification policy", slog.String("error", err.Error()))
		return
	}

	n.policy.Store(p)
	n.logger.Info("notification policy reloaded", slog.String("path", n.path))
}

// Decide applies the policy to msg without side effects.
func (n *Notifier) Decide(msg models.Message) Decision {
	p := n.policy.Load()

	if self := n.self(); self != nil && (msg.Author.User.ID == self.ID || msg.Author.ID == self.ID) {
		return Decision{Reason: ReasonOwn}
	}

	if !p.Sound {
		return Decision{Reason: ReasonDisabled}
	}

	if p.muted(msg.ChannelID) {
		return Decision{Reason: ReasonMuted}
	}

	if p.QuietHours != nil && p.QuietHours.contains(n.now()) {
		return Decision{Reason: ReasonQuietHours}
	}

	if p.matchesKeyword(msg.Content) {
		return Decision{Sound: true, Reason: ReasonKeyword}
	}

	if p.MentionOnly {
		if n.mentioned(msg.Content) {
			return Decision{Sound: true, Reason: ReasonMention}
		}

		return Decision{Reason: ReasonNoMention}
	}

	return Decision{Sound: true, Reason: ReasonSound}
}

func (n *Notifier) mentioned(content string) bool {
	self := n.self()
	if self == nil {
		return false
	}

	lower := strings.ToLower(content)

	return strings.Contains(content, "<@"+self.ID+">") ||
		(self.Username != "" && strings.Contains(lower, "@"+strings.ToLower(self.Username)))
}

// Incoming is the store's Incoming hook.
func (n *Notifier) Incoming(msg models.Message) {
	d := n.Decide(msg)

	n.logger.Debug("notification decision",
		slog.String("message", msg.ID),
		slog.String("channel", msg.ChannelID),
		slog.Bool("sound", d.Sound),
		slog.String("reason", string(d.Reason)),
	)

	if d.Sound && n.sink != nil {
		n.sink(msg, d)
	}
}
