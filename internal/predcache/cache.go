// Package predcache caches predictions by (model id, utterance). Model ids
// are content addressed, so an entry never goes stale and every instance may
// share the same entries.
package predcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

const (
	// DefaultSize is the in-process entry count.
	DefaultSize = 4096

	// DefaultPrefix namespaces shared keys.
	DefaultPrefix = "rh:pred:"

	// DefaultTTL expires shared entries so pruned models drain out.
	DefaultTTL = 24 * time.Hour

	redisTimeout = 500 * time.Millisecond
)

// Cache stores predictions.
type Cache interface {
	Get(ctx context.Context, modelID, utterance string) (*nlu.PredictOutput, bool)
	Put(ctx context.Context, modelID, utterance string, out *nlu.PredictOutput)
}

// Options configures a tiered cache. An empty RedisAddr disables the shared tier.
type Options struct {
	Size          int
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	TTL           time.Duration
	Logger        *zap.Logger
}

// Tiered is an in-process LRU in front of an optional Redis tier.
type Tiered struct {
	local  *lru.Cache[string, nlu.PredictOutput]
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ Cache = (*Tiered)(nil)

// New builds the cache described by opts.
func New(opts Options) (*Tiered, error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	local, err := lru.New[string, nlu.PredictOutput](size)
	if err != nil {
		return nil, fmt.Errorf("predcache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tiered{local: local, logger: logger.Named("predcache")}
	if opts.RedisAddr != "" {
		t.redis = redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
		})
		t.prefix = opts.RedisPrefix
		if t.prefix == "" {
			t.prefix = DefaultPrefix
		}
		t.ttl = opts.TTL
		if t.ttl <= 0 {
			t.ttl = DefaultTTL
		}
	}
	return t, nil
}

func localKey(modelID, utterance string) string {
	return modelID + "\x00" + utterance
}

func (t *Tiered) sharedKey(modelID, utterance string) string {
	sum := sha256.Sum256([]byte(utterance))
	return t.prefix + modelID + ":" + hex.EncodeToString(sum[:16])
}

// Get returns a cached prediction. Shared tier hits are promoted locally.
// Redis failures count as misses.
func (t *Tiered) Get(ctx context.Context, modelID, utterance string) (*nlu.PredictOutput, bool) {
	if out, ok := t.local.Get(localKey(modelID, utterance)); ok {
		return clone(out), true
	}
	if t.redis == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	data, err := t.redis.Get(ctx, t.sharedKey(modelID, utterance)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Warn("shared cache read failed", zap.String("model_id", modelID), zap.Error(err))
		}
		return nil, false
	}
	var out nlu.PredictOutput
	if err := json.Unmarshal(data, &out); err != nil {
		t.logger.Warn("shared cache entry corrupt", zap.String("model_id", modelID), zap.Error(err))
		return nil, false
	}
	t.local.Add(localKey(modelID, utterance), *clone(out))
	return &out, true
}

// clone copies out down to its slot slices so callers never share the
// cached value. Entity and slot values are decoded JSON and are not copied.
func clone(out nlu.PredictOutput) *nlu.PredictOutput {
	out.Entities = slices.Clone(out.Entities)
	if out.Contexts != nil {
		ctxs := make([]nlu.ContextPrediction, len(out.Contexts))
		for i, c := range out.Contexts {
			if c.Intents != nil {
				intents := make([]nlu.IntentPrediction, len(c.Intents))
				for j, in := range c.Intents {
					in.Slots = slices.Clone(in.Slots)
					intents[j] = in
				}
				c.Intents = intents
			}
			ctxs[i] = c
		}
		out.Contexts = ctxs
	}
	return &out
}

// Put stores out in both tiers.
func (t *Tiered) Put(ctx context.Context, modelID, utterance string, out *nlu.PredictOutput) {
	if out == nil {
		return
	}
	t.local.Add(localKey(modelID, utterance), *clone(*out))
	if t.redis == nil {
		return
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.logger.Warn("encode prediction for shared cache", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := t.redis.Set(ctx, t.sharedKey(modelID, utterance), data, t.ttl).Err(); err != nil {
		t.logger.Warn("shared cache write failed", zap.String("model_id", modelID), zap.Error(err))
	}
}

// Len returns the number of in-process entries.
func (t *Tiered) Len() int { return t.local.Len() }

// Close releases the Redis connection pool.
func (t *Tiered) Close() error {
	if t.redis == nil {
		return nil
	}
	return t.redis.Close()
}

// Nop never caches.
type Nop struct{}

// Get always misses.
func (Nop) Get(context.Context, string, string) (*nlu.PredictOutput, bool) { return nil, false }

// Put discards out.
func (Nop) Put(context.Context, string, string, *nlu.PredictOutput) {}
