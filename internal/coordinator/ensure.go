package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/entry"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/nluclient"
	"github.com/zulandar/roundhouse/internal/notify"
	"go.uber.org/zap"
)

// Outcome describes how EnsureModel satisfied a request.
type Outcome struct {
	ModelID        modelid.ModelID
	DefinitionHash string

	// CacheHit is set when the serving model already matched the
	// definition and no remote call was made.
	CacheHit bool

	// Attached is set when the call joined a training already in flight
	// instead of submitting one.
	Attached bool
}

// EnsureModel makes the serving model of (botID, language) match def,
// training and promoting a new model when needed. progress, when non-nil,
// receives the remote training fraction on every poll.
//
// Callers in this process asking for the same key and definition share one
// execution, and only the first caller's progress callback is invoked. The
// shared execution outlives any single caller: a caller whose ctx ends
// returns its own ctx error while the others keep waiting, and the work is
// abandoned only once every caller has gone.
func (c *Coordinator) EnsureModel(ctx context.Context, botID, language string, def nlu.Definition, progress func(float64)) (*Outcome, error) {
	key := nlu.ModelKey{BotID: botID, Language: language}
	if err := validateKey("ensure model", key); err != nil {
		return nil, err
	}
	if def.Language == "" {
		def.Language = language
	}
	if def.Language != language {
		return nil, fmt.Errorf("coordinator: ensure model %s: definition is for language %q: %w",
			key, def.Language, nlu.ErrInvalidInput)
	}
	h := modelid.DefinitionHash(def)

	fk := key.String() + "@" + h
	fctx := c.joinFlight(ctx, fk)
	defer c.leaveFlight(fk)

	ch := c.flight.DoChan(fk, func() (any, error) {
		return c.ensure(fctx, key, def, h, progress)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*Outcome)
		if res.Shared && !out.CacheHit {
			out.Attached = true
		}
		return &out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("coordinator: ensure model %s: %w", key, ctx.Err())
	}
}

// flightCall is the context a shared ensure runs under, counted by the
// callers still waiting on it.
type flightCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// joinFlight returns the context for the shared execution of fk. It keeps
// the values of the first caller's ctx but none of its cancellation.
func (c *Coordinator) joinFlight(ctx context.Context, fk string) context.Context {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	fc, ok := c.flights[fk]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fc = &flightCall{ctx: fctx, cancel: cancel}
		c.flights[fk] = fc
	}
	fc.refs++
	return fc.ctx
}

// leaveFlight drops one caller of fk and cancels the shared execution when
// it was the last.
func (c *Coordinator) leaveFlight(fk string) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	fc, ok := c.flights[fk]
	if !ok {
		return
	}
	fc.refs--
	if fc.refs == 0 {
		fc.cancel()
		delete(c.flights, fk)
	}
}

// tokenFor issues a fresh token for key on every call.
func (c *Coordinator) tokenFor(key nlu.ModelKey) nluclient.TokenFunc {
	return func() (string, error) { return c.tokens.Issue(key) }
}

func (c *Coordinator) ensure(ctx context.Context, key nlu.ModelKey, def nlu.Definition, h string, progress func(float64)) (*Outcome, error) {
	log := c.logger.With(append(keyFields(key), zap.String("definition_hash", h))...)

	ready, err := c.ready.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: ensure model %s: %w", key, err)
	}
	if ready != nil && ready.DefinitionHash == h {
		id, err := modelid.Parse(ready.ModelID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: ensure model %s: serving entry: %w", key, err)
		}
		log.Debug("serving model is up to date", zap.String("model_id", ready.ModelID))
		return &Outcome{ModelID: id, DefinitionHash: h, CacheHit: true}, nil
	}

	inflight, err := c.training.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: ensure model %s: %w", key, err)
	}

	var id modelid.ModelID
	attached := false
	if inflight != nil && inflight.DefinitionHash == h {
		parsed, perr := modelid.Parse(inflight.ModelID)
		if perr == nil {
			id, attached = parsed, true
			log.Info("attaching to training in progress", zap.String("model_id", inflight.ModelID))
		} else {
			log.Warn("discarding malformed training entry", zap.String("model_id", inflight.ModelID), zap.Error(perr))
			if _, err := c.training.DelIfModel(ctx, key, inflight.ModelID); err != nil {
				return nil, fmt.Errorf("coordinator: ensure model %s: %w", key, err)
			}
			inflight = nil
		}
	}
	if !attached {
		id, err = c.submit(ctx, key, def, h, inflight, log)
		if err != nil {
			return nil, err
		}
	}

	log = log.With(zap.String("model_id", id.String()))
	if err := c.await(ctx, key, id, progress); err != nil {
		return nil, c.settleFailure(ctx, key, id, h, err, log)
	}
	if err := c.promote(ctx, key, id, h, log); err != nil {
		return nil, err
	}
	return &Outcome{ModelID: id, DefinitionHash: h, Attached: attached}, nil
}

// submit starts a job and records it so other callers and instances see it.
// A superseded job for an older definition is canceled afterwards.
func (c *Coordinator) submit(ctx context.Context, key nlu.ModelKey, def nlu.Definition, h string, superseded *entry.Entry, log *zap.Logger) (modelid.ModelID, error) {
	tok, err := c.tokens.Issue(key)
	if err != nil {
		return modelid.ModelID{}, fmt.Errorf("coordinator: start training %s: %w", key, err)
	}
	id, err := c.remote.StartTraining(ctx, modelid.TrainInputFor(def, h), tok)
	if err != nil {
		return modelid.ModelID{}, fmt.Errorf("coordinator: start training %s: %w", key, err)
	}
	err = c.training.Set(ctx, entry.Entry{
		BotID:          key.BotID,
		Language:       key.Language,
		ModelID:        id.String(),
		DefinitionHash: h,
	})
	if err != nil {
		return modelid.ModelID{}, fmt.Errorf("coordinator: record training %s: %w", key, err)
	}
	log.Info("training submitted", zap.String("model_id", id.String()))
	c.emit(ctx, notify.Event{
		Type:           notify.EventTrainingStarted,
		Key:            key,
		ModelID:        id.String(),
		DefinitionHash: h,
	})

	if superseded != nil && superseded.ModelID != id.String() {
		c.cancelSuperseded(ctx, superseded, tok, log)
	}
	return id, nil
}

func (c *Coordinator) cancelSuperseded(ctx context.Context, old *entry.Entry, tok string, log *zap.Logger) {
	oldID, err := modelid.Parse(old.ModelID)
	if err != nil {
		return
	}
	if err := c.remote.CancelTraining(ctx, oldID, tok); err != nil {
		log.Debug("superseded training not canceled", zap.String("superseded_model_id", old.ModelID), zap.Error(err))
		return
	}
	log.Info("superseded training canceled", zap.String("superseded_model_id", old.ModelID))
}

// await consumes the watch sequence of id, issuing a fresh token for every
// poll. An expired training deadline is reported as ErrTrainingTimeout,
// distinct from the caller's own context.
func (c *Coordinator) await(ctx context.Context, key nlu.ModelKey, id modelid.ModelID, progress func(float64)) error {
	waitCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	for u := range c.remote.WatchTraining(waitCtx, id, c.tokenFor(key)) {
		if u.Err != nil {
			if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("coordinator: training %s not done after %s: %w", id, c.timeout, nlu.ErrTrainingTimeout)
			}
			return u.Err
		}
		if u.Done {
			return nil
		}
		if progress != nil {
			progress(u.Progress)
		}
	}
	return fmt.Errorf("coordinator: training %s: watch ended without an outcome", id)
}

// settleFailure applies the terminal transition for a failed wait. A job
// that ended (canceled, errored, timed out, or unknown to the service)
// loses its in-flight entry; the serving entry is never touched. When the
// wait itself was interrupted the job may still finish, so its entry stays
// for a later attach or for reconciliation.
func (c *Coordinator) settleFailure(ctx context.Context, key nlu.ModelKey, id modelid.ModelID, h string, cause error, log *zap.Logger) error {
	cleanup := context.WithoutCancel(ctx)
	evt := notify.Event{Key: key, ModelID: id.String(), DefinitionHash: h, Err: cause}

	switch {
	case errors.Is(cause, nlu.ErrTrainingTimeout):
		if tok, err := c.tokens.Issue(key); err != nil {
			log.Warn("cancel timed out training", zap.Error(err))
		} else if err := c.remote.CancelTraining(cleanup, id, tok); err != nil {
			log.Warn("cancel timed out training", zap.Error(err))
		}
		evt.Type = notify.EventTrainingErrored
	case errors.Is(cause, nlu.ErrTrainingCanceled):
		evt.Type = notify.EventTrainingCanceled
	case errors.Is(cause, nlu.ErrTrainingErrored), errors.Is(cause, nlu.ErrRemoteRejection):
		evt.Type = notify.EventTrainingErrored
	default:
		log.Warn("stopped waiting for training; entry kept", zap.Error(cause))
		return fmt.Errorf("coordinator: ensure model %s: %w", key, cause)
	}

	log.Info("training ended without a model", zap.String("outcome", string(evt.Type)), zap.Error(cause))
	if _, err := c.training.DelIfModel(cleanup, key, id.String()); err != nil {
		return fmt.Errorf("coordinator: ensure model %s: %w", key, errors.Join(cause, err))
	}
	c.emit(cleanup, evt)
	return fmt.Errorf("coordinator: ensure model %s: %w", key, cause)
}

// promote writes the serving entry, then removes the in-flight one. It
// refuses when the in-flight entry no longer points at id, unless a peer
// already promoted the same model.
func (c *Coordinator) promote(ctx context.Context, key nlu.ModelKey, id modelid.ModelID, h string, log *zap.Logger) error {
	idStr := id.String()
	current, err := c.training.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("coordinator: promote %s: %w", key, err)
	}
	if current == nil || current.ModelID != idStr {
		ready, err := c.ready.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("coordinator: promote %s: %w", key, err)
		}
		if ready != nil && ready.ModelID == idStr && ready.DefinitionHash == h {
			log.Debug("model already promoted by a peer")
			return nil
		}
		log.Info("training superseded; not promoting")
		return fmt.Errorf("coordinator: promote %s: model %s: %w", key, idStr, nlu.ErrSuperseded)
	}

	err = c.ready.Set(ctx, entry.Entry{
		BotID:          key.BotID,
		Language:       key.Language,
		ModelID:        idStr,
		DefinitionHash: h,
	})
	if err != nil {
		return fmt.Errorf("coordinator: promote %s: %w", key, err)
	}
	// A failure here leaves a harmless leftover that Reconcile removes.
	if _, err := c.training.DelIfModel(ctx, key, idStr); err != nil {
		return fmt.Errorf("coordinator: promote %s: clear training entry: %w", key, err)
	}

	log.Info("model promoted")
	c.emit(ctx, notify.Event{
		Type:           notify.EventTrainingDone,
		Key:            key,
		ModelID:        idStr,
		DefinitionHash: h,
	})
	return nil
}
