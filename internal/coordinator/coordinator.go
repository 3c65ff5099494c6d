// Package coordinator decides when a model must be trained, drives the
// remote job to a terminal status, and promotes or discards the result.
//
// All cross-instance state lives in the entry repository and the remote
// service. Local memory only deduplicates concurrent callers in one process.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/entry"
	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/nluclient"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/predcache"
	"github.com/zulandar/roundhouse/internal/token"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultReconcileConcurrency bounds concurrent existence probes.
const DefaultReconcileConcurrency = 8

// Remote is the subset of the NLU client the coordinator drives.
type Remote interface {
	StartTraining(ctx context.Context, input nlu.TrainInput, token string) (modelid.ModelID, error)
	TrainingStatus(ctx context.Context, id modelid.ModelID, token string) (*nlu.TrainingSession, error)
	WatchTraining(ctx context.Context, id modelid.ModelID, tokens nluclient.TokenFunc) <-chan nlu.TrainingUpdate
	CancelTraining(ctx context.Context, id modelid.ModelID, token string) error
	HasModel(ctx context.Context, id modelid.ModelID, token string) (bool, error)
	Predict(ctx context.Context, utterance string, id modelid.ModelID, token string) (*nlu.PredictOutput, error)
	DetectLanguage(ctx context.Context, utterance string, candidates []modelid.ModelID, token string) (string, error)
}

// Options carries the optional collaborators. Zero values pick no-op or
// default behavior.
type Options struct {
	Tokens   token.Source
	Cache    predcache.Cache
	Notifier notify.Notifier
	Logger   *zap.Logger

	// TrainingTimeout bounds a whole training wait. Zero waits forever.
	TrainingTimeout time.Duration

	ReconcileConcurrency int

	// InstanceID tags log lines and events from this process.
	InstanceID string
}

// Coordinator owns the model lifecycle for every (bot, language).
type Coordinator struct {
	ready    *entry.ModelEntryService
	training *entry.TrainingEntryService
	remote   Remote

	tokens      token.Source
	cache       predcache.Cache
	notifier    notify.Notifier
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int
	instanceID  string
	now         func() time.Time

	flight   singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flightCall
}

// New wires a coordinator over store and remote.
func New(store entry.RowStore, remote Remote, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("coordinator: entry store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("coordinator: remote client is required")
	}

	c := &Coordinator{
		ready:       entry.NewModelEntryService(store),
		training:    entry.NewTrainingEntryService(store),
		remote:      remote,
		tokens:      opts.Tokens,
		cache:       opts.Cache,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		timeout:     opts.TrainingTimeout,
		concurrency: opts.ReconcileConcurrency,
		instanceID:  opts.InstanceID,
		now:         time.Now,
		flights:     make(map[string]*flightCall),
	}
	if c.tokens == nil {
		c.tokens = token.Static("")
	}
	if c.cache == nil {
		c.cache = predcache.Nop{}
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("coordinator")
	if c.instanceID != "" {
		c.logger = c.logger.With(zap.String("instance_id", c.instanceID))
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultReconcileConcurrency
	}
	return c, nil
}

func (c *Coordinator) emit(ctx context.Context, evt notify.Event) {
	evt.InstanceID = c.instanceID
	evt.Time = c.now()
	if err := c.notifier.Notify(ctx, evt); err != nil {
		c.logger.Warn("notification failed",
			zap.String("event", string(evt.Type)),
			zap.Stringer("key", evt.Key),
			zap.Error(err),
		)
	}
}

func keyFields(key nlu.ModelKey) []zap.Field {
	return []zap.Field{zap.String("bot", key.BotID), zap.String("language", key.Language)}
}

func validateKey(op string, key nlu.ModelKey) error {
	if key.BotID == "" {
		return fmt.Errorf("coordinator: %s: bot id is required: %w", op, nlu.ErrInvalidInput)
	}
	if key.Language == "" {
		return fmt.Errorf("coordinator: %s: language is required: %w", op, nlu.ErrInvalidInput)
	}
	return nil
}
