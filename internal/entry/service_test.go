package entry

import (
	"context"
	"testing"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/nlu"
)

func TestServices_SlotIsolation(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	ready := NewModelEntryService(repo)
	training := NewTrainingEntryService(repo)
	key := nlu.ModelKey{BotID: "b1", Language: "en"}

	if err := training.Set(ctx, Entry{BotID: "b1", Language: "en", ModelID: "m1", DefinitionHash: "h1"}); err != nil {
		t.Fatalf("training.Set: %v", err)
	}
	if has, _ := ready.Has(ctx, key); has {
		t.Error("training write leaked into the ready slot")
	}

	row, err := repo.Get(ctx, Key{BotID: "b1", Language: "en", Status: models.StatusNotReady})
	if err != nil || row == nil {
		t.Fatalf("repo.Get not-ready = %v, %v", row, err)
	}

	if err := ready.Set(ctx, Entry{BotID: "b1", Language: "en", ModelID: "m0", DefinitionHash: "h0"}); err != nil {
		t.Fatalf("ready.Set: %v", err)
	}
	if err := ready.Del(ctx, key); err != nil {
		t.Fatalf("ready.Del: %v", err)
	}
	got, _ := training.Get(ctx, key)
	if got == nil || got.ModelID != "m1" {
		t.Errorf("ready delete affected training slot: %+v", got)
	}
}

func TestModelEntryService_RoundTrip(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	svc := NewModelEntryService(repo)
	key := nlu.ModelKey{BotID: "b1", Language: "en"}

	got, err := svc.Get(ctx, key)
	if err != nil || got != nil {
		t.Fatalf("Get absent = %+v, %v", got, err)
	}
	want := Entry{BotID: "b1", Language: "en", ModelID: "m1", DefinitionHash: "h1"}
	if err := svc.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = svc.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != want {
		t.Errorf("Get = %+v, want %+v", *got, want)
	}
	if got.Key() != key {
		t.Errorf("Key() = %v, want %v", got.Key(), key)
	}
}

func TestModelEntryService_ListByBot(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	svc := NewModelEntryService(repo)
	training := NewTrainingEntryService(repo)

	svc.Set(ctx, Entry{BotID: "b1", Language: "en", ModelID: "m1", DefinitionHash: "h1"})
	svc.Set(ctx, Entry{BotID: "b1", Language: "fr", ModelID: "m2", DefinitionHash: "h2"})
	svc.Set(ctx, Entry{BotID: "b2", Language: "en", ModelID: "m3", DefinitionHash: "h3"})
	training.Set(ctx, Entry{BotID: "b1", Language: "de", ModelID: "m4", DefinitionHash: "h4"})

	entries, err := svc.ListByBot(ctx, "b1")
	if err != nil {
		t.Fatalf("ListByBot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListByBot = %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Language != "en" || entries[1].Language != "fr" {
		t.Errorf("ListByBot order = %+v", entries)
	}
}

func TestTrainingEntryService_ListAndDelIfModel(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	svc := NewTrainingEntryService(repo)
	ready := NewModelEntryService(repo)

	svc.Set(ctx, Entry{BotID: "b1", Language: "en", ModelID: "m1", DefinitionHash: "h1"})
	svc.Set(ctx, Entry{BotID: "b2", Language: "en", ModelID: "m2", DefinitionHash: "h2"})
	ready.Set(ctx, Entry{BotID: "b3", Language: "en", ModelID: "m3", DefinitionHash: "h3"})

	all, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List = %d, want 2 (ready rows excluded)", len(all))
	}

	key := nlu.ModelKey{BotID: "b1", Language: "en"}
	if removed, _ := svc.DelIfModel(ctx, key, "other"); removed {
		t.Error("DelIfModel removed a mismatched entry")
	}
	if removed, _ := svc.DelIfModel(ctx, key, "m1"); !removed {
		t.Error("DelIfModel did not remove the matching entry")
	}
	if has, _ := svc.Has(ctx, key); has {
		t.Error("entry still present")
	}
}
