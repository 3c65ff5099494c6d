package entry

import (
	"context"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/nlu"
)

// Entry is a model slot without its status; the owning service decides it.
type Entry struct {
	BotID          string
	Language       string
	ModelID        string
	DefinitionHash string
}

// Key returns the logical model key of e.
func (e Entry) Key() nlu.ModelKey {
	return nlu.ModelKey{BotID: e.BotID, Language: e.Language}
}

func fromRow(row *models.ModelEntry) *Entry {
	if row == nil {
		return nil
	}
	return &Entry{
		BotID:          row.BotID,
		Language:       row.Language,
		ModelID:        row.ModelID,
		DefinitionHash: row.DefinitionHash,
	}
}

func fromRows(rows []models.ModelEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for i := range rows {
		out = append(out, *fromRow(&rows[i]))
	}
	return out
}

// slot implements the shared behavior of both services for one status.
type slot struct {
	store  RowStore
	status models.Status
}

func (s slot) key(k nlu.ModelKey) Key {
	return Key{BotID: k.BotID, Language: k.Language, Status: s.status}
}

func (s slot) get(ctx context.Context, k nlu.ModelKey) (*Entry, error) {
	row, err := s.store.Get(ctx, s.key(k))
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

func (s slot) set(ctx context.Context, e Entry) error {
	return s.store.Set(ctx, models.ModelEntry{
		BotID:          e.BotID,
		Language:       e.Language,
		Status:         s.status,
		ModelID:        e.ModelID,
		DefinitionHash: e.DefinitionHash,
	})
}

func (s slot) has(ctx context.Context, k nlu.ModelKey) (bool, error) {
	return s.store.Has(ctx, s.key(k))
}

func (s slot) del(ctx context.Context, k nlu.ModelKey) error {
	return s.store.Del(ctx, s.key(k))
}

func (s slot) list(ctx context.Context, f Filter) ([]Entry, error) {
	f.Status = s.status
	rows, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ModelEntryService manages Ready (serving) entries.
type ModelEntryService struct {
	s slot
}

// NewModelEntryService returns the Ready-slot facade over store.
func NewModelEntryService(store RowStore) *ModelEntryService {
	return &ModelEntryService{s: slot{store: store, status: models.StatusReady}}
}

// Get returns the serving entry for k, or nil.
func (m *ModelEntryService) Get(ctx context.Context, k nlu.ModelKey) (*Entry, error) {
	return m.s.get(ctx, k)
}

// Set writes the serving entry.
func (m *ModelEntryService) Set(ctx context.Context, e Entry) error { return m.s.set(ctx, e) }

// Has reports whether k has a serving entry.
func (m *ModelEntryService) Has(ctx context.Context, k nlu.ModelKey) (bool, error) {
	return m.s.has(ctx, k)
}

// Del removes the serving entry for k.
func (m *ModelEntryService) Del(ctx context.Context, k nlu.ModelKey) error { return m.s.del(ctx, k) }

// ListByBot returns the serving entries of every language of bot.
func (m *ModelEntryService) ListByBot(ctx context.Context, botID string) ([]Entry, error) {
	return m.s.list(ctx, Filter{BotID: botID})
}

// TrainingEntryService manages NotReady (in-flight training) entries.
type TrainingEntryService struct {
	s slot
}

// NewTrainingEntryService returns the NotReady-slot facade over store.
func NewTrainingEntryService(store RowStore) *TrainingEntryService {
	return &TrainingEntryService{s: slot{store: store, status: models.StatusNotReady}}
}

// Get returns the in-flight entry for k, or nil.
func (t *TrainingEntryService) Get(ctx context.Context, k nlu.ModelKey) (*Entry, error) {
	return t.s.get(ctx, k)
}

// Set writes the in-flight entry.
func (t *TrainingEntryService) Set(ctx context.Context, e Entry) error { return t.s.set(ctx, e) }

// Has reports whether k has an in-flight entry.
func (t *TrainingEntryService) Has(ctx context.Context, k nlu.ModelKey) (bool, error) {
	return t.s.has(ctx, k)
}

// Del removes the in-flight entry for k.
func (t *TrainingEntryService) Del(ctx context.Context, k nlu.ModelKey) error { return t.s.del(ctx, k) }

// DelIfModel removes the in-flight entry for k only while it still points
// at modelID, so a newer job's entry survives.
func (t *TrainingEntryService) DelIfModel(ctx context.Context, k nlu.ModelKey, modelID string) (bool, error) {
	return t.s.store.DelIfModel(ctx, t.s.key(k), modelID)
}

// List returns every in-flight entry.
func (t *TrainingEntryService) List(ctx context.Context) ([]Entry, error) {
	return t.s.list(ctx, Filter{})
}

// ListByBot returns the in-flight entries of bot.
func (t *TrainingEntryService) ListByBot(ctx context.Context, botID string) ([]Entry, error) {
	return t.s.list(ctx, Filter{BotID: botID})
}
