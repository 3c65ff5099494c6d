package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/notify"
	"go.uber.org/zap"
)

// State summarizes a model slot.
type State string

const (
	StateIdle     State = "idle"
	StateServing  State = "serving"
	StateTraining State = "training"
)

// KeyStatus is the combined view of both slots of a key, plus the remote
// session of the in-flight job when there is one.
type KeyStatus struct {
	Key   nlu.ModelKey `json:"key"`
	State State        `json:"state"`

	ServingModelID        string `json:"servingModelId,omitempty"`
	ServingDefinitionHash string `json:"servingDefinitionHash,omitempty"`

	TrainingModelID        string             `json:"trainingModelId,omitempty"`
	TrainingDefinitionHash string             `json:"trainingDefinitionHash,omitempty"`
	TrainingStatus         nlu.TrainingStatus `json:"trainingStatus,omitempty"`
	Progress               float64            `json:"progress,omitempty"`

	// RemoteError is set when the remote session could not be read.
	RemoteError string `json:"remoteError,omitempty"`
}

// String renders a one-line summary for the CLI.
func (s KeyStatus) String() string {
	switch {
	case s.TrainingModelID != "" && s.RemoteError != "":
		return fmt.Sprintf("training %s (status unavailable: %s)", s.TrainingModelID, s.RemoteError)
	case s.TrainingModelID != "" && s.TrainingStatus.InProgress():
		return fmt.Sprintf("training in progress at %.0f%%", s.Progress*100)
	case s.TrainingModelID != "":
		return fmt.Sprintf("training %s", s.TrainingStatus)
	case s.ServingModelID != "":
		return "serving " + s.ServingModelID
	default:
		return "no model"
	}
}

// CancelTraining requests cancellation of the in-flight job of
// (botID, language). The EnsureModel call waiting on it observes the
// canceled status and removes the entry; the serving model is untouched.
func (c *Coordinator) CancelTraining(ctx context.Context, botID, language string) error {
	key := nlu.ModelKey{BotID: botID, Language: language}
	if err := validateKey("cancel training", key); err != nil {
		return err
	}
	inflight, err := c.training.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("coordinator: cancel training %s: %w", key, err)
	}
	if inflight == nil {
		return fmt.Errorf("coordinator: cancel training %s: %w", key, nlu.ErrNoTraining)
	}
	id, err := modelid.Parse(inflight.ModelID)
	if err != nil {
		return fmt.Errorf("coordinator: cancel training %s: %w", key, err)
	}
	tok, err := c.tokens.Issue(key)
	if err != nil {
		return fmt.Errorf("coordinator: cancel training %s: %w", key, err)
	}
	if err := c.remote.CancelTraining(ctx, id, tok); err != nil {
		return fmt.Errorf("coordinator: cancel training %s: %w", key, err)
	}
	c.logger.Info("training cancel requested", append(keyFields(key), zap.String("model_id", inflight.ModelID))...)
	return nil
}

// Status reads both slots of (botID, language). A remote failure while
// reading the in-flight session is reported in RemoteError, not returned.
func (c *Coordinator) Status(ctx context.Context, botID, language string) (*KeyStatus, error) {
	key := nlu.ModelKey{BotID: botID, Language: language}
	if err := validateKey("status", key); err != nil {
		return nil, err
	}
	st := &KeyStatus{Key: key, State: StateIdle}

	ready, err := c.ready.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: status %s: %w", key, err)
	}
	if ready != nil {
		st.State = StateServing
		st.ServingModelID = ready.ModelID
		st.ServingDefinitionHash = ready.DefinitionHash
	}

	inflight, err := c.training.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: status %s: %w", key, err)
	}
	if inflight == nil {
		return st, nil
	}
	st.State = StateTraining
	st.TrainingModelID = inflight.ModelID
	st.TrainingDefinitionHash = inflight.DefinitionHash

	id, err := modelid.Parse(inflight.ModelID)
	if err != nil {
		st.RemoteError = err.Error()
		return st, nil
	}
	tok, err := c.tokens.Issue(key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: status %s: %w", key, err)
	}
	sess, err := c.remote.TrainingStatus(ctx, id, tok)
	if err != nil {
		st.RemoteError = err.Error()
		return st, nil
	}
	st.TrainingStatus = sess.Status
	st.Progress = sess.Progress
	return st, nil
}

// RemoveModel deletes both slots of (botID, language), canceling an
// in-flight job on a best-effort basis. Removing an absent key is a no-op.
func (c *Coordinator) RemoveModel(ctx context.Context, botID, language string) error {
	key := nlu.ModelKey{BotID: botID, Language: language}
	if err := validateKey("remove model", key); err != nil {
		return err
	}
	log := c.logger.With(keyFields(key)...)

	ready, err := c.ready.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("coordinator: remove model %s: %w", key, err)
	}
	inflight, err := c.training.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("coordinator: remove model %s: %w", key, err)
	}
	if ready == nil && inflight == nil {
		return nil
	}

	if inflight != nil {
		if id, err := modelid.Parse(inflight.ModelID); err == nil {
			if tok, err := c.tokens.Issue(key); err == nil {
				if err := c.remote.CancelTraining(ctx, id, tok); err != nil && !errors.Is(err, nlu.ErrRemoteRejection) {
					log.Warn("cancel before removal failed", zap.String("model_id", inflight.ModelID), zap.Error(err))
				}
			}
		}
		if err := c.training.Del(ctx, key); err != nil {
			return fmt.Errorf("coordinator: remove model %s: %w", key, err)
		}
	}
	if ready != nil {
		if err := c.ready.Del(ctx, key); err != nil {
			return fmt.Errorf("coordinator: remove model %s: %w", key, err)
		}
	}

	evt := notify.Event{Type: notify.EventModelRemoved, Key: key}
	if ready != nil {
		evt.ModelID = ready.ModelID
		evt.DefinitionHash = ready.DefinitionHash
	}
	log.Info("model removed", zap.String("model_id", evt.ModelID))
	c.emit(ctx, evt)
	return nil
}

// RemoveBot removes every language of botID and returns the languages
// that had an entry.
func (c *Coordinator) RemoveBot(ctx context.Context, botID string) ([]string, error) {
	if botID == "" {
		return nil, fmt.Errorf("coordinator: remove bot: bot id is required: %w", nlu.ErrInvalidInput)
	}
	ready, err := c.ready.ListByBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: remove bot %s: %w", botID, err)
	}
	training, err := c.training.ListByBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: remove bot %s: %w", botID, err)
	}

	seen := make(map[string]bool)
	var langs []string
	for _, e := range append(ready, training...) {
		if !seen[e.Language] {
			seen[e.Language] = true
			langs = append(langs, e.Language)
		}
	}
	sort.Strings(langs)

	for _, lang := range langs {
		if err := c.RemoveModel(ctx, botID, lang); err != nil {
			return nil, err
		}
	}
	return langs, nil
}
