// Package conversation decides when an ongoing conversation needs a reply
// and produces that reply with a language model.
package conversation

import (
	"fmt"
	"time"

	"github.com/kalambet/wingman/internal/platform"
)

// NudgePolicy controls follow-ups when the local account spoke last.
type NudgePolicy string

const (
	// NudgeRepeat follows up after every staleness window of silence.
	NudgeRepeat NudgePolicy = "repeat"
	// NudgeOnce follows up once; a second consecutive local turn is never nudged again.
	NudgeOnce NudgePolicy = "once"
)

// ParseNudgePolicy validates a configured policy name.
func ParseNudgePolicy(s string) (NudgePolicy, error) {
	switch NudgePolicy(s) {
	case NudgeRepeat, NudgeOnce:
		return NudgePolicy(s), nil
	case "":
		return NudgeRepeat, nil
	}
	return "", fmt.Errorf("unknown nudge policy %q: want %q or %q", s, NudgeRepeat, NudgeOnce)
}

// Policy is the reply-due rule.
type Policy struct {
	Staleness time.Duration
	Nudge     NudgePolicy
}

// DefaultPolicy replies to every counterpart turn and nudges after five days.
func DefaultPolicy() Policy {
	return Policy{Staleness: 5 * 24 * time.Hour, Nudge: NudgeRepeat}
}

// ReplyDue reports whether accountID should send the next turn in thread.
// A reply is due when the counterpart spoke last, or when the local account
// spoke last more than Staleness ago.
func (p Policy) ReplyDue(thread platform.Thread, accountID string, now time.Time) bool {
	latest, ok := thread.Latest()
	if !ok {
		return false
	}
	if latest.From != accountID {
		return true
	}
	if now.Sub(latest.SentAt) <= p.Staleness {
		return false
	}
	if p.Nudge == NudgeOnce && len(thread.Messages) > 1 {
		prev := thread.Messages[len(thread.Messages)-2]
		if prev.From == accountID {
			return false
		}
	}
	return true
}

// Parties returns the local and remote ids of a thread as seen from
// accountID, derived from the latest turn.
func Parties(thread platform.Thread, accountID string) (local, remote string, ok bool) {
	latest, ok := thread.Latest()
	if !ok {
		return "", "", false
	}
	if latest.From == accountID {
		return latest.From, latest.To, true
	}
	return latest.To, latest.From, true
}
