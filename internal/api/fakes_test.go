package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/wingman/internal/conversation"
	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/outreach"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

const testToken = "test-token-12345"

type fakeOutreach struct {
	mu          sync.Mutex
	matches     map[string]storage.Match
	profile     storage.AccountProfile
	thresholds  []float64
	syncArgs    []string
	unmatchErr  error
	dispatchErr error
}

func newFakeOutreach() *fakeOutreach {
	return &fakeOutreach{
		matches: map[string]storage.Match{},
		profile: storage.AccountProfile{AccountID: "acct-1", Bio: "hi", Interests: []string{"climbing"}},
	}
}

func (f *fakeOutreach) add(m storage.Match) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[m.MatchID] = m
}

func (f *fakeOutreach) recordThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = append(f.thresholds, t)
}

func (f *fakeOutreach) descriptors(op dispatch.Operation) ([]dispatch.Descriptor, error) {
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatch.Descriptor
	var offset time.Duration
	for id := range f.matches {
		offset += 5 * time.Second
		out = append(out, dispatch.Descriptor{Key: id, TaskID: string(op) + "-" + id, Delay: 5 * time.Second, Offset: offset})
	}
	if out == nil {
		out = []dispatch.Descriptor{}
	}
	return out, nil
}

func (f *fakeOutreach) Sync(_ context.Context, pageSize int, includeMessaged bool) (outreach.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncArgs = append(f.syncArgs, fmt.Sprintf("%d/%t", pageSize, includeMessaged))
	ms := make([]storage.Match, 0, len(f.matches))
	for _, m := range f.matches {
		ms = append(ms, m)
	}
	return outreach.SyncResult{Pages: 1, Inserted: len(ms), Matches: ms}, nil
}

func (f *fakeOutreach) EnrichAll(context.Context) ([]dispatch.Descriptor, error) {
	return f.descriptors(dispatch.OpEnrich)
}

func (f *fakeOutreach) EnrichMatch(_ context.Context, id string) (storage.Match, error) {
	return f.Match(id)
}

func (f *fakeOutreach) DispatchOpeners(_ context.Context, threshold float64) ([]dispatch.Descriptor, error) {
	f.recordThreshold(threshold)
	return f.descriptors(dispatch.OpSendOpener)
}

func (f *fakeOutreach) SendOpenerNow(_ context.Context, id string) (platform.SendResult, error) {
	if _, err := f.Match(id); err != nil {
		return platform.SendResult{}, err
	}
	return platform.SendResult{ID: "msg-" + id}, nil
}

func (f *fakeOutreach) SweepUnmatch(_ context.Context, threshold float64) ([]dispatch.Descriptor, error) {
	f.recordThreshold(threshold)
	return f.descriptors(dispatch.OpUnmatch)
}

func (f *fakeOutreach) Unmatch(_ context.Context, id string) error {
	if f.unmatchErr != nil {
		return f.unmatchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.matches, id)
	return nil
}

func (f *fakeOutreach) Match(id string) (storage.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.matches[id]
	if !ok {
		return storage.Match{}, &outreach.Error{Kind: outreach.ErrNotFound, Op: "get match", MatchID: id}
	}
	return m, nil
}

func (f *fakeOutreach) Matches() ([]storage.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ms := []storage.Match{}
	for _, m := range f.matches {
		ms = append(ms, m)
	}
	return ms, nil
}

func (f *fakeOutreach) Totals(threshold float64) (storage.MatchTotals, error) {
	f.recordThreshold(threshold)
	f.mu.Lock()
	defer f.mu.Unlock()
	var t storage.MatchTotals
	for _, m := range f.matches {
		t.Total++
		switch {
		case m.DistanceKm == nil:
			t.Unknown++
		case *m.DistanceKm < threshold:
			t.Under++
		default:
			t.AtOrOver++
		}
	}
	return t, nil
}

func (f *fakeOutreach) Profile(context.Context) (storage.AccountProfile, error) {
	return f.profile, nil
}

type fakeReplier struct {
	report conversation.Report
	err    error
	calls  int
}

func (f *fakeReplier) RunOnce(context.Context) (conversation.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeExporter struct {
	res conversation.ExportResult
}

func (f *fakeExporter) Export(context.Context) (conversation.ExportResult, error) {
	return f.res, nil
}

type fakeTasks map[string]dispatch.Status

func (f fakeTasks) Poll(_ context.Context, id string) (dispatch.Status, error) {
	st, ok := f[id]
	if !ok {
		return dispatch.Status{}, dispatch.ErrUnknownTask
	}
	return st, nil
}

type testApp struct {
	handler  http.Handler
	outreach *fakeOutreach
	replier  *fakeReplier
	tasks    fakeTasks
}

func setupAppHandler(token string) *testApp {
	app := &testApp{
		outreach: newFakeOutreach(),
		replier:  &fakeReplier{},
		tasks:    fakeTasks{},
	}
	app.handler = NewAppHandler(AppDeps{
		Outreach:     app.outreach,
		Replier:      app.replier,
		Exporter:     &fakeExporter{res: conversation.ExportResult{Dir: "/tmp/x", Exported: 2, Combined: "/tmp/x/combined.jsonl"}},
		Tasks:        app.tasks,
		Token:        token,
		SyncPageSize: 100,
	})
	return app
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func km(v float64) *float64 { return &v }

var errBoom = errors.New("boom")
