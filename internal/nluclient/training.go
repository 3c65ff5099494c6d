package nluclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

type trainResponse struct {
	ModelID string `json:"modelId"`
}

type sessionResponse struct {
	Session nlu.TrainingSession `json:"session"`
}

func trainPath(id modelid.ModelID) string {
	return "/train/" + url.PathEscape(id.String())
}

// StartTraining submits input and returns the id the service assigned. The
// returned id is authoritative even if it differs from a local computation.
func (c *Client) StartTraining(ctx context.Context, input nlu.TrainInput, token string) (modelid.ModelID, error) {
	var resp trainResponse
	if err := c.call(ctx, "start training", http.MethodPost, "/train", token, input, &resp); err != nil {
		return modelid.ModelID{}, err
	}
	id, err := modelid.Parse(resp.ModelID)
	if err != nil {
		return modelid.ModelID{}, fmt.Errorf("nluclient: start training: %w", err)
	}
	c.logger.Debug("training submitted", zap.String("model_id", id.String()))
	return id, nil
}

// TrainingStatus polls the session of id once.
func (c *Client) TrainingStatus(ctx context.Context, id modelid.ModelID, token string) (*nlu.TrainingSession, error) {
	var resp sessionResponse
	if err := c.call(ctx, "training status", http.MethodGet, trainPath(id), token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// CancelTraining asks the service to stop training id. Cancellation is
// cooperative: the watcher of id observes it at its next poll.
func (c *Client) CancelTraining(ctx context.Context, id modelid.ModelID, token string) error {
	return c.call(ctx, "cancel training", http.MethodPost, trainPath(id)+"/cancel", token, nil, nil)
}

// HasModel reports whether the service still knows id, either as a trained
// model or as a running job.
func (c *Client) HasModel(ctx context.Context, id modelid.ModelID, token string) (bool, error) {
	session, err := c.TrainingStatus(ctx, id, token)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	switch session.Status {
	case nlu.TrainingDone, nlu.TrainingPending, nlu.TrainingRunning:
		return true, nil
	default:
		return false, nil
	}
}

// TokenFunc returns the bearer token for the next request. Long waits call
// it once per poll so short-lived tokens never go stale mid-training.
type TokenFunc func() (string, error)

// StaticToken returns a TokenFunc that always yields tok.
func StaticToken(tok string) TokenFunc {
	return func() (string, error) { return tok, nil }
}

// WatchTraining polls id every poll interval and emits one update per poll
// while it trains. The sequence always ends with exactly one terminal
// update (Done, or Err) and the channel is then closed. When ctx ends first
// the terminal update carries ctx.Err().
//
// A poll that still fails to reach the service after its retries is logged
// and the next tick tries again; only ctx bounds an outage.
func (c *Client) WatchTraining(ctx context.Context, id modelid.ModelID, tokens TokenFunc) <-chan nlu.TrainingUpdate {
	updates := make(chan nlu.TrainingUpdate, 1)

	// finish delivers the terminal update without blocking. Only this
	// goroutine sends, so after dropping an unread progress update the
	// buffer has room.
	finish := func(u nlu.TrainingUpdate) {
		select {
		case updates <- u:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- u
		}
	}

	go func() {
		defer close(updates)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			u := c.poll(ctx, id, tokens)
			switch {
			case u.Err != nil && ctx.Err() == nil && nlu.IsConnectivity(u.Err):
				c.logger.Warn("training status unreachable; retrying next tick",
					zap.String("model_id", id.String()), zap.Error(u.Err))
			case u.Terminal():
				finish(u)
				return
			default:
				select {
				case updates <- u:
				case <-ctx.Done():
					finish(nlu.TrainingUpdate{Err: ctx.Err()})
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				finish(nlu.TrainingUpdate{Err: ctx.Err()})
				return
			}
		}
	}()
	return updates
}

// poll turns one status round trip into an update.
func (c *Client) poll(ctx context.Context, id modelid.ModelID, tokens TokenFunc) nlu.TrainingUpdate {
	token, err := tokens()
	if err != nil {
		return nlu.TrainingUpdate{Err: fmt.Errorf("nluclient: training %s: token: %w", id, err)}
	}
	session, err := c.TrainingStatus(ctx, id, token)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nlu.TrainingUpdate{Err: ctxErr}
		}
		return nlu.TrainingUpdate{Err: err}
	}

	switch session.Status {
	case nlu.TrainingDone:
		return nlu.TrainingUpdate{Progress: 1, Done: true}
	case nlu.TrainingPending, nlu.TrainingRunning:
		return nlu.TrainingUpdate{Progress: clamp(session.Progress)}
	case nlu.TrainingCanceled:
		return nlu.TrainingUpdate{Err: fmt.Errorf("nluclient: training %s: %w", id, nlu.ErrTrainingCanceled)}
	case nlu.TrainingErrored:
		terr := &nlu.TrainingErroredError{ModelID: id.String()}
		if session.Error != nil {
			terr.Type = session.Error.Type
			terr.Message = session.Error.Message
		}
		return nlu.TrainingUpdate{Err: terr}
	default:
		return nlu.TrainingUpdate{Err: fmt.Errorf("nluclient: training %s: unexpected status %q", id, session.Status)}
	}
}

// WaitForTraining blocks until id reaches a terminal status. progress, when
// non-nil, is called with the fraction reported by every in-progress poll.
func (c *Client) WaitForTraining(ctx context.Context, id modelid.ModelID, token string, progress func(float64)) error {
	for u := range c.WatchTraining(ctx, id, StaticToken(token)) {
		if u.Err != nil {
			return u.Err
		}
		if u.Done {
			return nil
		}
		if progress != nil {
			progress(u.Progress)
		}
	}
	// Unreachable: the sequence always ends with a terminal update.
	return errors.New("nluclient: training watch ended without an outcome")
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
