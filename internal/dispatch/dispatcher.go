package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Jitter is an inclusive range of whole-second delays drawn per item.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// ParseJitter parses "MIN-MAX" in seconds, e.g. "5-10".
func ParseJitter(s string) (Jitter, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Jitter{}, fmt.Errorf("invalid jitter %q: want MIN-MAX seconds", s)
	}
	minSec, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Jitter{}, fmt.Errorf("invalid jitter minimum %q: %w", lo, err)
	}
	maxSec, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return Jitter{}, fmt.Errorf("invalid jitter maximum %q: %w", hi, err)
	}
	j := Jitter{Min: time.Duration(minSec) * time.Second, Max: time.Duration(maxSec) * time.Second}
	return j, j.Validate()
}

// Validate requires a positive minimum so consecutive offsets strictly increase.
func (j Jitter) Validate() error {
	if j.Min < time.Second {
		return fmt.Errorf("jitter minimum must be at least 1s, got %s", j.Min)
	}
	if j.Max < j.Min {
		return fmt.Errorf("jitter maximum %s is below minimum %s", j.Max, j.Min)
	}
	return nil
}

func (j Jitter) String() string {
	return fmt.Sprintf("%d-%d", int(j.Min/time.Second), int(j.Max/time.Second))
}

// Item is one unit of work handed to Dispatch. Key identifies it in the
// returned descriptors (typically a match id).
type Item struct {
	Key     string
	Payload any
}

// Descriptor reports where an item landed in the schedule.
type Descriptor struct {
	Key    string
	TaskID string
	Delay  time.Duration
	Offset time.Duration
	Err    error
}

// MarshalJSON renders delays in whole seconds.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := struct {
		Key             string `json:"key"`
		TaskID          string `json:"task_id,omitempty"`
		DelaySeconds    int64  `json:"delay_seconds"`
		ScheduledOffset int64  `json:"scheduled_offset_seconds"`
		Error           string `json:"error,omitempty"`
	}{
		Key:             d.Key,
		TaskID:          d.TaskID,
		DelaySeconds:    int64(d.Delay / time.Second),
		ScheduledOffset: int64(d.Offset / time.Second),
	}
	if d.Err != nil {
		out.Error = d.Err.Error()
	}
	return json.Marshal(out)
}

// Error is returned for an item the queue refused to accept.
type Error struct {
	Op  Operation
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher staggers submissions to a Queue with cumulative random delays.
type Dispatcher struct {
	queue  Queue
	intN   func(n int64) int64
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRand replaces the random source; fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(d *Dispatcher) { d.intN = fn }
}

// WithLogger sets the logger used for per-item failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher submitting to queue.
func New(queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  queue,
		intN:   rand.Int64N,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits items in order. Item i is scheduled at the sum of the
// jitters drawn for items 0..i, so start times strictly increase. A refused
// submission is reported on its descriptor and does not stop the batch; its
// jitter still counts toward later offsets.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation, jitter Jitter, items []Item) ([]Descriptor, error) {
	if err := jitter.Validate(); err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, len(items))
	var cumulative time.Duration
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		delay := d.draw(jitter)
		cumulative += delay
		desc := Descriptor{Key: it.Key, Delay: delay, Offset: cumulative}

		id, err := d.queue.Submit(ctx, op, it.Payload, cumulative)
		if err != nil {
			desc.Err = &Error{Op: op, Key: it.Key, Err: err}
			d.logger.Warn("task submission refused", "op", op, "key", it.Key, "error", err)
		} else {
			desc.TaskID = id
			d.logger.Debug("task scheduled", "op", op, "key", it.Key, "task_id", id, "offset", cumulative)
		}
		out = append(out, desc)
	}
	return out, nil
}

func (d *Dispatcher) draw(j Jitter) time.Duration {
	span := int64((j.Max - j.Min) / time.Second)
	return j.Min + time.Duration(d.intN(span+1))*time.Second
}
