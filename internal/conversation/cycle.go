package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// ErrCycleRunning is returned by RunOnce while another cycle is in progress.
var ErrCycleRunning = errors.New("reply cycle already running")

// Messenger is the part of the platform client the reply cycle uses.
// Implemented by platform.Client.
type Messenger interface {
	ListMatches(ctx context.Context, pageSize int, hasMessages bool, pageToken string) ([]platform.Match, string, error)
	GetMessages(ctx context.Context, matchID string) (platform.Thread, error)
	SendMessage(ctx context.Context, matchID, fromID, toID, body string) (platform.SendResult, error)
}

// Completer produces model completions. Implemented by llm.Client.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ProfileSource yields the cached account profile. Implemented by outreach.Service.
type ProfileSource interface {
	Profile(ctx context.Context) (storage.AccountProfile, error)
}

// Outcome of one match within a cycle.
const (
	OutcomeReplied   = "replied"
	OutcomeNotDue    = "not_due"
	OutcomeEmpty     = "empty_completion"
	OutcomeNoHistory = "no_messages"
	OutcomeFailed    = "failed"
)

// MatchResult reports what the cycle did for one match.
type MatchResult struct {
	MatchID   string `json:"match_id"`
	Outcome   string `json:"outcome"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report summarises one cycle.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []MatchResult `json:"results"`
}

// Count returns how many results had outcome.
func (r Report) Count(outcome string) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Cycle replies to due conversations. One cycle runs at a time.
type Cycle struct {
	messenger  Messenger
	model      Completer
	profiles   ProfileSource
	policy     Policy
	matchLimit int
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool
}

type CycleOption func(*Cycle)

func WithLogger(l *slog.Logger) CycleOption {
	return func(c *Cycle) { c.logger = l }
}

func WithClock(now func() time.Time) CycleOption {
	return func(c *Cycle) { c.now = now }
}

// WithMatchLimit bounds each cycle to the n most recent active matches.
func WithMatchLimit(n int) CycleOption {
	return func(c *Cycle) {
		if n > 0 {
			c.matchLimit = n
		}
	}
}

// NewCycle wires a reply cycle.
func NewCycle(messenger Messenger, model Completer, profiles ProfileSource, policy Policy, opts ...CycleOption) *Cycle {
	c := &Cycle{
		messenger:  messenger,
		model:      model,
		profiles:   profiles,
		policy:     policy,
		matchLimit: 50,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes a cycle every interval until ctx is cancelled. A tick that
// arrives while a cycle is still running is skipped.
func (c *Cycle) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.RunOnce(ctx)
			if errors.Is(err, ErrCycleRunning) {
				c.logger.Info("reply cycle skipped, previous cycle still running")
				continue
			}
			if err != nil {
				c.logger.Error("reply cycle failed", "error", err)
				continue
			}
			c.logger.Info("reply cycle finished",
				"matches", len(report.Results),
				"replied", report.Count(OutcomeReplied),
				"failed", report.Count(OutcomeFailed))
		}
	}
}

// RunOnce runs one cycle. Failures on one match are recorded in the report
// and do not stop the others.
func (c *Cycle) RunOnce(ctx context.Context) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleRunning
	}
	defer c.running.Store(false)

	report := Report{StartedAt: c.now(), Results: []MatchResult{}}

	profile, err := c.profiles.Profile(ctx)
	if err != nil {
		return report, fmt.Errorf("loading account profile: %w", err)
	}
	matches, _, err := c.messenger.ListMatches(ctx, c.matchLimit, true, "")
	if err != nil {
		return report, fmt.Errorf("listing active matches: %w", err)
	}
	if len(matches) > c.matchLimit {
		matches = matches[:c.matchLimit]
	}

	system := SystemPrompt(profile.Bio, profile.Interests)
	for _, m := range matches {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := c.replyTo(ctx, m.ID, profile.AccountID, system)
		if res.Outcome == OutcomeFailed {
			c.logger.Warn("reply failed", "match_id", m.ID, "error", res.Error)
		}
		report.Results = append(report.Results, res)
	}
	report.FinishedAt = c.now()
	return report, nil
}

func (c *Cycle) replyTo(ctx context.Context, matchID, accountID, system string) MatchResult {
	res := MatchResult{MatchID: matchID}
	fail := func(err error) MatchResult {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	thread, err := c.messenger.GetMessages(ctx, matchID)
	if err != nil {
		return fail(fmt.Errorf("fetching messages: %w", err))
	}
	local, remote, ok := Parties(thread, accountID)
	if !ok {
		res.Outcome = OutcomeNoHistory
		return res
	}
	if !c.policy.ReplyDue(thread, accountID, c.now()) {
		res.Outcome = OutcomeNotDue
		return res
	}

	prompt := Transcript(thread.Messages, local)
	completion, err := c.model.Complete(ctx, system, prompt)
	if err != nil {
		return fail(fmt.Errorf("completing reply: %w", err))
	}
	reply := CleanReply(completion)
	c.logger.Debug("reply generated", "match_id", matchID, "prompt", prompt, "reply", reply)
	if reply == "" {
		c.logger.Info("empty completion, skipping", "match_id", matchID)
		res.Outcome = OutcomeEmpty
		return res
	}

	sent, err := c.messenger.SendMessage(ctx, matchID, local, remote, reply)
	if err != nil {
		return fail(fmt.Errorf("sending reply: %w", err))
	}
	if sent.ID == "" {
		return fail(errors.New("sending reply: acknowledgment missing message id"))
	}
	res.Outcome = OutcomeReplied
	res.MessageID = sent.ID
	c.logger.Info("reply sent", "match_id", matchID, "message_id", sent.ID)
	return res
}
