package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

type sentMessage struct {
	matchID, fromID, toID, body string
}

type fakePlatform struct {
	mu sync.Mutex

	pages        [][]platform.Match
	listCalls    int
	persons      map[string]platform.Person
	sendResult   platform.SendResult
	sendErr      error
	sent         []sentMessage
	unmatchCode  map[string]int
	unmatched    []string
	profile      platform.Profile
	profileCalls int
}

func (f *fakePlatform) ListMatches(_ context.Context, _ int, _ bool, token string) ([]platform.Match, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	idx := 0
	if token != "" {
		if _, err := fmt.Sscanf(token, "page-%d", &idx); err != nil {
			return nil, "", err
		}
	}
	if idx >= len(f.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(f.pages) {
		next = fmt.Sprintf("page-%d", idx+1)
	}
	return f.pages[idx], next, nil
}

func (f *fakePlatform) GetPerson(_ context.Context, personID string) (platform.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.persons[personID]
	if !ok {
		return platform.Person{}, platform.ErrMissingID
	}
	return p, nil
}

func (f *fakePlatform) SendMessage(_ context.Context, matchID, fromID, toID, body string) (platform.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{matchID, fromID, toID, body})
	return f.sendResult, f.sendErr
}

func (f *fakePlatform) Unmatch(_ context.Context, matchID string) (platform.UnmatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmatched = append(f.unmatched, matchID)
	code, ok := f.unmatchCode[matchID]
	if !ok {
		code = 200
	}
	return platform.UnmatchResult{StatusCode: code}, nil
}

func (f *fakePlatform) GetProfile(context.Context) (platform.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	return f.profile, nil
}

type dispatchCall struct {
	op     dispatch.Operation
	jitter dispatch.Jitter
	items  []dispatch.Item
}

// recordingDispatcher accepts everything and assigns 1s-spaced offsets.
type recordingDispatcher struct {
	calls  []dispatchCall
	refuse map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, op dispatch.Operation, jitter dispatch.Jitter, items []dispatch.Item) ([]dispatch.Descriptor, error) {
	d.calls = append(d.calls, dispatchCall{op: op, jitter: jitter, items: items})
	out := make([]dispatch.Descriptor, 0, len(items))
	for i, it := range items {
		desc := dispatch.Descriptor{
			Key:    it.Key,
			Delay:  time.Second,
			Offset: time.Duration(i+1) * time.Second,
		}
		if d.refuse[it.Key] {
			desc.Err = &dispatch.Error{Op: op, Key: it.Key, Err: errors.New("queue full")}
		} else {
			desc.TaskID = fmt.Sprintf("%s-%d", op, i)
		}
		out = append(out, desc)
	}
	return out, nil
}

func (d *recordingDispatcher) last() dispatchCall {
	return d.calls[len(d.calls)-1]
}

func (d *recordingDispatcher) keys() []string {
	var ks []string
	for _, it := range d.last().items {
		ks = append(ks, it.Key)
	}
	return ks
}

type handlerRegistry map[dispatch.Operation]dispatch.Handler

func (r handlerRegistry) Handle(op dispatch.Operation, h dispatch.Handler) { r[op] = h }

// run executes every item of the call through the registered handler.
func (r handlerRegistry) run(t *testing.T, call dispatchCall) []error {
	t.Helper()
	h, ok := r[call.op]
	if !ok {
		t.Fatalf("no handler for %s", call.op)
	}
	var errs []error
	for _, it := range call.items {
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		_, err = h(context.Background(), payload)
		errs = append(errs, err)
	}
	return errs
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptrFloat(f float64) *float64 { return &f }

func ptrString(s string) *string { return &s }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, fp *fakePlatform, cfg Config) (*Service, *storage.Store, *recordingDispatcher) {
	t.Helper()
	store := openTestStore(t)
	d := &recordingDispatcher{}
	svc := NewService(store, fp, d, cfg, WithClock(func() time.Time { return testNow }))
	return svc, store, d
}

func seed(t *testing.T, store *storage.Store, ms ...storage.Match) {
	t.Helper()
	for i, m := range ms {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = testNow.Add(time.Duration(i) * time.Second)
		}
		if err := store.PutMatch(m); err != nil {
			t.Fatalf("PutMatch(%s): %v", m.MatchID, err)
		}
	}
}
