package outreach

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

func TestGreeting(t *testing.T) {
	tests := []struct {
		template, name, want string
	}{
		{"Hi <match_name>, how are you?", "Ana Maria", "Hi Ana, how are you?"},
		{"Hi <match_name>!", "  Bia  ", "Hi Bia!"},
		{"Hi <match_name>!", "", "Hi !"},
		{"No placeholder", "Ana", "No placeholder"},
	}
	for _, tt := range tests {
		if got := Greeting(tt.template, tt.name); got != tt.want {
			t.Errorf("Greeting(%q, %q) = %q, want %q", tt.template, tt.name, got, tt.want)
		}
	}
}

func TestParseUnknownDistance(t *testing.T) {
	for in, want := range map[string]UnknownDistance{"": UnknownWithin, "within": UnknownWithin, " Beyond ": UnknownBeyond} {
		got, err := ParseUnknownDistance(in)
		if err != nil || got != want {
			t.Errorf("ParseUnknownDistance(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseUnknownDistance("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestSync_PaginatesAndIsIdempotent(t *testing.T) {
	fp := &fakePlatform{pages: [][]platform.Match{
		{{ID: "m1", PersonID: "p1", Name: "Ana"}, {ID: "m2", PersonID: "p2", Name: "Bia"}},
		{{ID: "m3", PersonID: "p3", Name: "Carla"}},
	}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	ctx := context.Background()

	first, err := svc.Sync(ctx, 2, true)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if first.Pages != 2 || first.Inserted != 3 || len(first.Matches) != 3 {
		t.Fatalf("first sync = %+v", first)
	}

	// Enrich one record, then re-sync: the enrichment must survive.
	if err := store.MergeMatch("m1", storage.MatchPatch{DistanceKm: ptrFloat(4)}); err != nil {
		t.Fatalf("MergeMatch: %v", err)
	}
	second, err := svc.Sync(ctx, 2, true)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if second.Inserted != 0 {
		t.Errorf("second sync inserted %d, want 0", second.Inserted)
	}
	if len(second.Matches) != 3 {
		t.Errorf("second sync has %d matches, want 3", len(second.Matches))
	}
	m1, err := store.GetMatch("m1")
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if m1.DistanceKm == nil || *m1.DistanceKm != 4 {
		t.Errorf("re-sync overwrote enrichment: %+v", m1)
	}
}

func TestSync_StopsOnEmptyPage(t *testing.T) {
	fp := &fakePlatform{}
	svc, _, _ := newTestService(t, fp, DefaultConfig())

	res, err := svc.Sync(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if fp.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1", fp.listCalls)
	}
	if res.Matches == nil || len(res.Matches) != 0 {
		t.Errorf("Matches = %v, want empty slice", res.Matches)
	}
}

func TestEnrichAll_DispatchesOnlyMissingDistance(t *testing.T) {
	svc, store, d := newTestService(t, &fakePlatform{}, DefaultConfig())
	seed(t, store,
		storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana"},
		storage.Match{MatchID: "b", PersonID: "pb", DisplayName: "Bia", DistanceKm: ptrFloat(3)},
		storage.Match{MatchID: "c", PersonID: "pc", DisplayName: "Carla"},
	)

	descs, err := svc.EnrichAll(context.Background())
	if err != nil {
		t.Fatalf("EnrichAll: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if got := d.keys(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("dispatched %v, want [a c]", got)
	}
	if d.last().op != dispatch.OpEnrich || d.last().jitter != DefaultConfig().EnrichJitter {
		t.Errorf("unexpected call %+v", d.last())
	}
}

func TestEnrich_MergesOnlyOwnedFields(t *testing.T) {
	bd := time.Date(1994, 7, 3, 4, 5, 6, 789_000_000, time.UTC)
	fp := &fakePlatform{persons: map[string]platform.Person{
		"pa": {ID: "pa", Name: "Someone Else", DistanceKm: ptrFloat(7.5), BirthDate: &bd, Bio: ptrString("surf")},
	}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana"})

	m, err := svc.Enrich(context.Background(), "a", "pa")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if m.DisplayName != "Ana" || m.PersonID != "pa" {
		t.Errorf("identity fields changed: %+v", m)
	}
	if m.DistanceKm == nil || *m.DistanceKm != 7.5 {
		t.Errorf("DistanceKm = %v", m.DistanceKm)
	}
	if m.BirthDate == nil || !m.BirthDate.Equal(bd) {
		t.Errorf("BirthDate = %v, want %v", m.BirthDate, bd)
	}
	if m.Bio == nil || *m.Bio != "surf" {
		t.Errorf("Bio = %v", m.Bio)
	}
}

func TestEnrich_MissingIdentifier(t *testing.T) {
	svc, store, _ := newTestService(t, &fakePlatform{}, DefaultConfig())
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana"})

	_, err := svc.Enrich(context.Background(), "a", "pa")
	if !errors.Is(err, ErrEnrichment) {
		t.Fatalf("err = %v, want ErrEnrichment", err)
	}
	m, _ := store.GetMatch("a")
	if m.DistanceKm != nil {
		t.Error("failed enrichment modified the record")
	}
}

func TestEnrich_UnknownMatch(t *testing.T) {
	fp := &fakePlatform{persons: map[string]platform.Person{"pz": {ID: "pz", DistanceKm: ptrFloat(1)}}}
	svc, _, _ := newTestService(t, fp, DefaultConfig())

	_, err := svc.Enrich(context.Background(), "missing", "pz")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDispatchOpeners_DistanceThreshold(t *testing.T) {
	fp := &fakePlatform{profile: platform.Profile{ID: "me"}}
	cfg := DefaultConfig()
	cfg.GreetingTemplate = "Oi <match_name>!"
	svc, store, d := newTestService(t, fp, cfg)
	seed(t, store,
		storage.Match{MatchID: "near", PersonID: "p1", DisplayName: "Ana Clara", DistanceKm: ptrFloat(10)},
		storage.Match{MatchID: "far", PersonID: "p2", DisplayName: "Bia", DistanceKm: ptrFloat(20)},
		storage.Match{MatchID: "edge", PersonID: "p3", DisplayName: "Carla", DistanceKm: ptrFloat(15)},
	)

	if _, err := svc.DispatchOpeners(context.Background(), 15); err != nil {
		t.Fatalf("DispatchOpeners: %v", err)
	}
	if got := d.keys(); !slices.Equal(got, []string{"near", "edge"}) {
		t.Fatalf("dispatched %v, want [near edge]", got)
	}
	args := d.last().items[0].Payload.(OpenerArgs)
	want := OpenerArgs{MatchID: "near", FromID: "me", ToID: "p1", Message: "Oi Ana!"}
	if args != want {
		t.Errorf("payload = %+v, want %+v", args, want)
	}
}

func TestDispatchOpeners_SkipsContacted(t *testing.T) {
	fp := &fakePlatform{profile: platform.Profile{ID: "me"}}
	svc, store, d := newTestService(t, fp, DefaultConfig())
	contacted := testNow.Add(-time.Hour)
	seed(t, store,
		storage.Match{MatchID: "new", PersonID: "p1", DisplayName: "Ana", DistanceKm: ptrFloat(1)},
		storage.Match{MatchID: "old", PersonID: "p2", DisplayName: "Bia", DistanceKm: ptrFloat(1), ContactedAt: &contacted},
	)

	if _, err := svc.DispatchOpeners(context.Background(), 15); err != nil {
		t.Fatalf("DispatchOpeners: %v", err)
	}
	if got := d.keys(); !slices.Equal(got, []string{"new"}) {
		t.Errorf("dispatched %v, want [new]", got)
	}
}

func TestUnknownDistancePolicy(t *testing.T) {
	tests := []struct {
		policy      UnknownDistance
		wantOpener  []string
		wantUnmatch []string
	}{
		{UnknownWithin, []string{"unknown", "near"}, []string{"far"}},
		{UnknownBeyond, []string{"near"}, []string{"unknown", "far"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.UnknownDistance = tt.policy
			svc, store, d := newTestService(t, &fakePlatform{profile: platform.Profile{ID: "me"}}, cfg)
			seed(t, store,
				storage.Match{MatchID: "unknown", PersonID: "p0", DisplayName: "Ana"},
				storage.Match{MatchID: "near", PersonID: "p1", DisplayName: "Bia", DistanceKm: ptrFloat(2)},
				storage.Match{MatchID: "far", PersonID: "p2", DisplayName: "Carla", DistanceKm: ptrFloat(40)},
			)

			if _, err := svc.DispatchOpeners(context.Background(), 15); err != nil {
				t.Fatalf("DispatchOpeners: %v", err)
			}
			if got := d.keys(); !slices.Equal(got, tt.wantOpener) {
				t.Errorf("openers dispatched %v, want %v", got, tt.wantOpener)
			}

			if _, err := svc.SweepUnmatch(context.Background(), 15); err != nil {
				t.Fatalf("SweepUnmatch: %v", err)
			}
			if got := d.keys(); !slices.Equal(got, tt.wantUnmatch) {
				t.Errorf("unmatch dispatched %v, want %v", got, tt.wantUnmatch)
			}
		})
	}
}

func TestSendOpener_MarksContacted(t *testing.T) {
	fp := &fakePlatform{sendResult: platform.SendResult{ID: "msg-1"}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", DistanceKm: ptrFloat(1)})

	res, err := svc.SendOpener(context.Background(), OpenerArgs{MatchID: "a", FromID: "me", ToID: "pa", Message: "Hi Ana"})
	if err != nil {
		t.Fatalf("SendOpener: %v", err)
	}
	if res.ID != "msg-1" {
		t.Errorf("ID = %q", res.ID)
	}
	m, _ := store.GetMatch("a")
	if m.ContactedAt == nil || !m.ContactedAt.Equal(testNow) {
		t.Errorf("ContactedAt = %v, want %v", m.ContactedAt, testNow)
	}
}

func TestSendOpener_EmptyAcknowledgment(t *testing.T) {
	fp := &fakePlatform{sendResult: platform.SendResult{}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana"})

	_, err := svc.SendOpener(context.Background(), OpenerArgs{MatchID: "a", FromID: "me", ToID: "pa", Message: "Hi"})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	m, _ := store.GetMatch("a")
	if m.ContactedAt != nil {
		t.Error("match marked contacted after a failed send")
	}
}

func TestUnmatch_RemovesOnlyOnSuccess(t *testing.T) {
	fp := &fakePlatform{unmatchCode: map[string]int{"b": 500}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	seed(t, store,
		storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", DistanceKm: ptrFloat(30)},
		storage.Match{MatchID: "b", PersonID: "pb", DisplayName: "Bia", DistanceKm: ptrFloat(30)},
	)

	if err := svc.Unmatch(context.Background(), "a"); err != nil {
		t.Fatalf("Unmatch(a): %v", err)
	}
	if _, err := store.GetMatch("a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("a still stored after successful unmatch: %v", err)
	}

	err := svc.Unmatch(context.Background(), "b")
	if !errors.Is(err, ErrUnmatch) {
		t.Fatalf("Unmatch(b) err = %v, want ErrUnmatch", err)
	}
	if _, err := store.GetMatch("b"); err != nil {
		t.Errorf("b removed despite rejected unmatch: %v", err)
	}
}

func TestSweepUnmatch_StrictlyGreater(t *testing.T) {
	svc, store, d := newTestService(t, &fakePlatform{}, DefaultConfig())
	seed(t, store,
		storage.Match{MatchID: "edge", PersonID: "p1", DisplayName: "Ana", DistanceKm: ptrFloat(15)},
		storage.Match{MatchID: "far", PersonID: "p2", DisplayName: "Bia", DistanceKm: ptrFloat(15.1)},
	)

	if _, err := svc.SweepUnmatch(context.Background(), 15); err != nil {
		t.Fatalf("SweepUnmatch: %v", err)
	}
	if got := d.keys(); !slices.Equal(got, []string{"far"}) {
		t.Errorf("dispatched %v, want [far]", got)
	}
	if d.last().jitter != DefaultConfig().UnmatchJitter {
		t.Errorf("jitter = %v, want unmatch jitter", d.last().jitter)
	}
}

func TestDispatch_RefusedItemsReportedAsDispatchErrors(t *testing.T) {
	svc, store, d := newTestService(t, &fakePlatform{}, DefaultConfig())
	d.refuse = map[string]bool{"b": true}
	seed(t, store,
		storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana"},
		storage.Match{MatchID: "b", PersonID: "pb", DisplayName: "Bia"},
		storage.Match{MatchID: "c", PersonID: "pc", DisplayName: "Carla"},
	)

	descs, err := svc.EnrichAll(context.Background())
	if err != nil {
		t.Fatalf("EnrichAll: %v", err)
	}
	if descs[0].Err != nil || descs[2].Err != nil {
		t.Errorf("accepted items carry errors: %v %v", descs[0].Err, descs[2].Err)
	}
	if !errors.Is(descs[1].Err, ErrDispatch) {
		t.Errorf("descs[1].Err = %v, want ErrDispatch", descs[1].Err)
	}
}

func TestProfile_FetchedOnceAndCached(t *testing.T) {
	fp := &fakePlatform{profile: platform.Profile{ID: "me", Bio: "bio", Interests: []string{"Music"}}}
	svc, _, _ := newTestService(t, fp, DefaultConfig())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Profile(context.Background()); err != nil {
				t.Errorf("Profile: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := svc.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.AccountID != "me" || !slices.Equal(p.Interests, []string{"Music"}) {
		t.Errorf("profile = %+v", p)
	}
	if fp.profileCalls != 1 {
		t.Errorf("remote profile fetched %d times, want 1", fp.profileCalls)
	}
}

func TestTotals(t *testing.T) {
	svc, store, _ := newTestService(t, &fakePlatform{}, DefaultConfig())
	seed(t, store,
		storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", DistanceKm: ptrFloat(3)},
		storage.Match{MatchID: "b", PersonID: "pb", DisplayName: "Bia", DistanceKm: ptrFloat(15)},
		storage.Match{MatchID: "c", PersonID: "pc", DisplayName: "Carla"},
	)

	got, err := svc.Totals(0)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := storage.MatchTotals{Total: 3, Under: 1, AtOrOver: 1, Unknown: 1}
	if got != want {
		t.Errorf("Totals = %+v, want %+v", got, want)
	}
}

func TestMatch_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t, &fakePlatform{}, DefaultConfig())
	if _, err := svc.Match("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// Two matches lacking distance are both enriched; after enrichment only the
// near one receives an opener.
func TestScenario_EnrichThenOpeners(t *testing.T) {
	fp := &fakePlatform{
		profile:    platform.Profile{ID: "me"},
		sendResult: platform.SendResult{ID: "msg"},
		persons: map[string]platform.Person{
			"pa": {ID: "pa", DistanceKm: ptrFloat(5)},
			"pb": {ID: "pb", DistanceKm: ptrFloat(30)},
		},
	}
	svc, store, d := newTestService(t, fp, DefaultConfig())
	reg := handlerRegistry{}
	svc.RegisterHandlers(reg)
	seed(t, store,
		storage.Match{MatchID: "A", PersonID: "pa", DisplayName: "Ana"},
		storage.Match{MatchID: "B", PersonID: "pb", DisplayName: "Bia"},
	)

	descs, err := svc.EnrichAll(context.Background())
	if err != nil {
		t.Fatalf("EnrichAll: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("EnrichAll dispatched %d, want 2", len(descs))
	}
	for i, err := range reg.run(t, d.last()) {
		if err != nil {
			t.Fatalf("enrich task %d: %v", i, err)
		}
	}

	if again, _ := svc.EnrichAll(context.Background()); len(again) != 0 {
		t.Errorf("re-running EnrichAll dispatched %d tasks, want 0", len(again))
	}

	if _, err := svc.DispatchOpeners(context.Background(), 15); err != nil {
		t.Fatalf("DispatchOpeners: %v", err)
	}
	if got := d.keys(); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("openers dispatched %v, want [A]", got)
	}
	for _, err := range reg.run(t, d.last()) {
		if err != nil {
			t.Fatalf("opener task: %v", err)
		}
	}
	if len(fp.sent) != 1 || fp.sent[0].matchID != "A" {
		t.Errorf("sent = %+v", fp.sent)
	}

	descs, err = svc.DispatchOpeners(context.Background(), 15)
	if err != nil {
		t.Fatalf("DispatchOpeners: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("second opener run dispatched %d, want 0", len(descs))
	}

	if _, err := svc.SweepUnmatch(context.Background(), 15); err != nil {
		t.Fatalf("SweepUnmatch: %v", err)
	}
	for _, err := range reg.run(t, d.last()) {
		if err != nil {
			t.Fatalf("unmatch task: %v", err)
		}
	}
	all, _ := store.AllMatches()
	if len(all) != 1 || all[0].MatchID != "A" {
		t.Errorf("remaining matches = %+v, want only A", all)
	}
}
