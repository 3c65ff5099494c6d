package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/roundhouse/internal/entry"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/nluclient/nlutest"
	"github.com/zulandar/roundhouse/internal/notify"
)

func (h *harness) setInflight(t *testing.T, bot, lang, id, hash string) {
	t.Helper()
	err := h.training.Set(context.Background(), entry.Entry{BotID: bot, Language: lang, ModelID: id, DefinitionHash: hash})
	if err != nil {
		t.Fatalf("training.Set: %v", err)
	}
}

func TestReconcile_Empty(t *testing.T) {
	h := newHarness(t, nil)
	report, err := h.coord.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 0 || len(report.Removed) != 0 || report.Kept != 0 || report.Failed != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestReconcile_ClassifiesEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.srv.SetPlan(held)

	// b1/en: job still running on the remote.
	running, err := h.client.StartTraining(ctx, modelid.TrainInputFor(defV1(), "h1"), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	h.setInflight(t, "b1", "en", running.String(), "h1")

	// b2/en: the remote lost the job.
	lost := expectedID(h, defV2())
	h.setInflight(t, "b2", "en", lost.String(), "h2")

	// b3/en: promotion wrote the serving entry but not the cleanup.
	promoted := running.String()
	if err := h.ready.Set(ctx, entry.Entry{BotID: "b3", Language: "en", ModelID: promoted, DefinitionHash: "h3"}); err != nil {
		t.Fatalf("ready.Set: %v", err)
	}
	h.setInflight(t, "b3", "en", promoted, "h3")

	// b4/en: unparsable id.
	h.setInflight(t, "b4", "en", "not-a-model-id", "h4")

	report, err := h.coord.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 4 || report.Kept != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	want := []RemovedEntry{
		{Key: nlu.ModelKey{BotID: "b2", Language: "en"}, ModelID: lost.String(), Reason: ReasonUnknownToRemote},
		{Key: nlu.ModelKey{BotID: "b3", Language: "en"}, ModelID: promoted, Reason: ReasonAlreadyPromoted},
		{Key: nlu.ModelKey{BotID: "b4", Language: "en"}, ModelID: "not-a-model-id", Reason: ReasonMalformedID},
	}
	if len(report.Removed) != len(want) {
		t.Fatalf("removed = %+v, want %+v", report.Removed, want)
	}
	for i := range want {
		if report.Removed[i] != want[i] {
			t.Errorf("removed[%d] = %+v, want %+v", i, report.Removed[i], want[i])
		}
	}

	if e := h.inflight(t, "b1", "en"); e == nil || e.ModelID != running.String() {
		t.Errorf("running entry = %+v, want kept", e)
	}
	for _, bot := range []string{"b2", "b3", "b4"} {
		if e := h.inflight(t, bot, "en"); e != nil {
			t.Errorf("%s entry kept: %+v", bot, e)
		}
	}
	if e := h.serving(t, "b3", "en"); e == nil || e.ModelID != promoted {
		t.Errorf("b3 serving entry = %+v, want untouched", e)
	}

	stale := 0
	for _, typ := range h.events.types() {
		if typ == notify.EventStaleEntry {
			stale++
		}
	}
	if stale != 1 {
		t.Errorf("stale events = %d, want 1", stale)
	}
}

func TestReconcile_KeptEntryIsAttached(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	def := defV1()
	hash := modelid.DefinitionHash(def)

	id, err := h.client.StartTraining(ctx, modelid.TrainInputFor(def, hash), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	h.setInflight(t, "b1", "en", id.String(), hash)

	if _, err := h.coord.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	out, err := h.coord.EnsureModel(ctx, "b1", "en", def, nil)
	if err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if !out.Attached || out.ModelID != id {
		t.Errorf("outcome = %+v, want attached to %s", out, id)
	}
}

func TestReconcile_RemoteFailureKeepsEntry(t *testing.T) {
	h := newHarness(t, nil)
	id := expectedID(h, defV1()).String()
	h.setInflight(t, "b1", "en", id, "h1")

	h.srv.FailNext(100)
	report, err := h.coord.Reconcile(context.Background())
	h.srv.FailNext(0)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Failed != 1 || len(report.Removed) != 0 {
		t.Errorf("report = %+v, want one failure", report)
	}
	if e := h.inflight(t, "b1", "en"); e == nil {
		t.Error("entry removed on remote failure")
	}
}

func TestReconcile_StorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	sqlDB, err := h.gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.Close()

	_, err = h.coord.Reconcile(context.Background())
	if !errors.Is(err, nlu.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
}

func TestReconcile_BoundedConcurrency(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReconcileConcurrency = 2 })
	for _, bot := range []string{"a", "b", "c", "d", "e"} {
		h.setInflight(t, bot, "en", expectedID(h, defV1()).String(), "h")
	}
	report, err := h.coord.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 5 || len(report.Removed) != 5 {
		t.Errorf("report = %+v, want 5 removed", report)
	}
	if n := h.srv.Calls(nlutest.OpStatus); n != 5 {
		t.Errorf("status calls = %d, want 5", n)
	}
}
