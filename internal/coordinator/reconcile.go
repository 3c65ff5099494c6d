package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zulandar/roundhouse/internal/entry"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reasons a training entry was removed by Reconcile.
const (
	ReasonAlreadyPromoted = "already-promoted"
	ReasonMalformedID     = "malformed-id"
	ReasonUnknownToRemote = "unknown-to-remote"
)

// RemovedEntry is one training entry dropped by Reconcile.
type RemovedEntry struct {
	Key     nlu.ModelKey `json:"key"`
	ModelID string       `json:"modelId"`
	Reason  string       `json:"reason"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked int            `json:"checked"`
	Removed []RemovedEntry `json:"removed"`
	Kept    int            `json:"kept"`
	Failed  int            `json:"failed"`
}

// Reconcile removes training entries the remote service no longer knows,
// and leftovers of promotions that did not finish clearing their entry.
// Entries whose job still exists are kept so a later EnsureModel attaches
// to them. Remote failures keep the entry and are counted; a storage
// failure aborts the pass.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	entries, err := c.training.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: reconcile: %w", err)
	}

	var (
		mu     sync.Mutex
		report = &ReconcileReport{Checked: len(entries), Removed: []RemovedEntry{}}
	)
	record := func(removed *RemovedEntry, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case removed != nil:
			report.Removed = append(report.Removed, *removed)
		case failed:
			report.Failed++
		default:
			report.Kept++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			removed, err := c.reconcileEntry(gctx, e)
			if err != nil {
				if errors.Is(err, nlu.ErrStorage) || gctx.Err() != nil {
					return err
				}
				c.logger.Warn("reconcile check failed; entry kept",
					append(keyFields(e.Key()), zap.String("model_id", e.ModelID), zap.Error(err))...)
				record(nil, true)
				return nil
			}
			record(removed, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("coordinator: reconcile: %w", err)
	}

	sort.Slice(report.Removed, func(i, j int) bool {
		return report.Removed[i].Key.String() < report.Removed[j].Key.String()
	})
	c.logger.Info("reconcile finished",
		zap.Int("checked", report.Checked),
		zap.Int("removed", len(report.Removed)),
		zap.Int("kept", report.Kept),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// reconcileEntry returns the removal it made, or nil when the entry stays.
func (c *Coordinator) reconcileEntry(ctx context.Context, e entry.Entry) (*RemovedEntry, error) {
	key := e.Key()
	drop := func(reason string) (*RemovedEntry, error) {
		deleted, err := c.training.DelIfModel(ctx, key, e.ModelID)
		if err != nil || !deleted {
			return nil, err
		}
		return &RemovedEntry{Key: key, ModelID: e.ModelID, Reason: reason}, nil
	}

	ready, err := c.ready.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ready != nil && ready.ModelID == e.ModelID {
		return drop(ReasonAlreadyPromoted)
	}

	id, err := modelid.Parse(e.ModelID)
	if err != nil {
		c.logger.Warn("removing malformed training entry",
			append(keyFields(key), zap.String("model_id", e.ModelID), zap.Error(err))...)
		return drop(ReasonMalformedID)
	}

	tok, err := c.tokens.Issue(key)
	if err != nil {
		return nil, err
	}
	exists, err := c.remote.HasModel(ctx, id, tok)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	removed, err := drop(ReasonUnknownToRemote)
	if err != nil || removed == nil {
		return removed, err
	}
	c.logger.Info("removed stale training entry",
		append(keyFields(key), zap.String("model_id", e.ModelID), zap.Error(nlu.ErrStaleEntry))...)
	c.emit(ctx, notify.Event{
		Type:           notify.EventStaleEntry,
		Key:            key,
		ModelID:        e.ModelID,
		DefinitionHash: e.DefinitionHash,
		Err:            nlu.ErrStaleEntry,
	})
	return removed, nil
}
