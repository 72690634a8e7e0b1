package outreach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// queuedService wires a Service to the real task queue, dispatcher and worker.
func queuedService(t *testing.T, fp *fakePlatform) (*Service, *storage.Store, *dispatch.Worker) {
	t.Helper()
	store := openTestStore(t)
	d := dispatch.New(dispatch.NewStoreQueue(store))
	svc := NewService(store, fp, d, DefaultConfig(), WithClock(func() time.Time { return testNow }))
	w := dispatch.NewWorker(store, 0, 1)
	svc.RegisterHandlers(w)
	return svc, store, w
}

// drain makes every queued task due and runs the worker until the queue is empty.
func drain(t *testing.T, store *storage.Store, w *dispatch.Worker) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE tasks SET run_after = '2000-01-01T00:00:00.000Z' WHERE status = 'pending'`); err != nil {
		t.Fatalf("making tasks due: %v", err)
	}
	for {
		did, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !did {
			return
		}
	}
}

func sentTo(fp *fakePlatform, matchID string) int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	n := 0
	for _, m := range fp.sent {
		if m.matchID == matchID {
			n++
		}
	}
	return n
}

func TestDispatchOpeners_RepeatedCallGreetsOnce(t *testing.T) {
	fp := &fakePlatform{profile: platform.Profile{ID: "me"}, sendResult: platform.SendResult{ID: "msg"}}
	svc, store, w := queuedService(t, fp)
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", DistanceKm: ptrFloat(3)})
	ctx := context.Background()

	first, err := svc.DispatchOpeners(ctx, 15)
	if err != nil {
		t.Fatalf("first DispatchOpeners: %v", err)
	}
	second, err := svc.DispatchOpeners(ctx, 15)
	if err != nil {
		t.Fatalf("second DispatchOpeners: %v", err)
	}
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("descriptors first=%d second=%d, want 1 and 0", len(first), len(second))
	}

	drain(t, store, w)

	if n := sentTo(fp, "a"); n != 1 {
		t.Errorf("match a greeted %d times, want 1", n)
	}
	if again, _ := svc.DispatchOpeners(ctx, 15); len(again) != 0 {
		t.Errorf("dispatch after send scheduled %d, want 0", len(again))
	}
}

func TestSendOpenerTask_SkipsMatchContactedAfterQueueing(t *testing.T) {
	fp := &fakePlatform{profile: platform.Profile{ID: "me"}, sendResult: platform.SendResult{ID: "msg"}}
	svc, store, w := queuedService(t, fp)
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", DistanceKm: ptrFloat(3)})
	ctx := context.Background()

	descs, err := svc.DispatchOpeners(ctx, 15)
	if err != nil || len(descs) != 1 {
		t.Fatalf("DispatchOpeners = %d, %v", len(descs), err)
	}
	if _, err := svc.SendOpenerNow(ctx, "a"); err != nil {
		t.Fatalf("SendOpenerNow: %v", err)
	}

	drain(t, store, w)

	if n := sentTo(fp, "a"); n != 1 {
		t.Errorf("match a greeted %d times, want 1", n)
	}
	task, err := store.GetTask(descs[0].TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskCompleted || task.ResultJSON != `{"match_id":"a","status":"skipped"}` {
		t.Errorf("task status=%q result=%s, want completed skip", task.Status, task.ResultJSON)
	}
}

func TestSendOpener_RefusesContactedMatch(t *testing.T) {
	fp := &fakePlatform{sendResult: platform.SendResult{ID: "msg"}}
	svc, store, _ := newTestService(t, fp, DefaultConfig())
	contacted := testNow.Add(-time.Hour)
	seed(t, store, storage.Match{MatchID: "a", PersonID: "pa", DisplayName: "Ana", ContactedAt: &contacted})

	_, err := svc.SendOpener(context.Background(), OpenerArgs{MatchID: "a", FromID: "me", ToID: "pa", Message: "Hi"})
	if !errors.Is(err, ErrAlreadyContacted) {
		t.Fatalf("err = %v, want ErrAlreadyContacted", err)
	}
	if n := sentTo(fp, "a"); n != 0 {
		t.Errorf("sent %d messages to a contacted match", n)
	}
}
