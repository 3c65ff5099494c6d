package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/token"
	"go.uber.org/zap"
)

// Predict runs utterance against the serving model of (botID, language).
// Training never changes what is served until promotion.
func (c *Coordinator) Predict(ctx context.Context, botID, language, utterance string) (*nlu.PredictOutput, error) {
	key := nlu.ModelKey{BotID: botID, Language: language}
	if err := validateKey("predict", key); err != nil {
		return nil, err
	}

	ready, err := c.ready.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: predict %s: %w", key, err)
	}
	if ready == nil {
		return nil, fmt.Errorf("coordinator: predict %s: %w", key, nlu.ErrNoModelAvailable)
	}
	id, err := modelid.Parse(ready.ModelID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: predict %s: %w", key, err)
	}

	if out, ok := c.cache.Get(ctx, ready.ModelID, utterance); ok {
		return out, nil
	}

	tok, err := c.tokens.Issue(key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: predict %s: %w", key, err)
	}
	out, err := c.remote.Predict(ctx, utterance, id, tok)
	if err != nil {
		return nil, fmt.Errorf("coordinator: predict %s: %w", key, err)
	}
	c.cache.Put(ctx, ready.ModelID, utterance, out)
	return out, nil
}

// DetectLanguage picks the language of utterance among the serving models
// of botID.
func (c *Coordinator) DetectLanguage(ctx context.Context, botID, utterance string) (string, error) {
	if botID == "" {
		return "", fmt.Errorf("coordinator: detect language: bot id is required: %w", nlu.ErrInvalidInput)
	}

	entries, err := c.ready.ListByBot(ctx, botID)
	if err != nil {
		return "", fmt.Errorf("coordinator: detect language %s: %w", botID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Language < entries[j].Language })

	candidates := make([]modelid.ModelID, 0, len(entries))
	for _, e := range entries {
		id, err := modelid.Parse(e.ModelID)
		if err != nil {
			c.logger.Warn("skipping malformed serving entry",
				append(keyFields(e.Key()), zap.String("model_id", e.ModelID), zap.Error(err))...)
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("coordinator: detect language %s: %w", botID, nlu.ErrNoModelAvailable)
	}

	tok, err := c.tokens.Issue(nlu.ModelKey{BotID: botID, Language: token.AnyLanguage})
	if err != nil {
		return "", fmt.Errorf("coordinator: detect language %s: %w", botID, err)
	}
	lang, err := c.remote.DetectLanguage(ctx, utterance, candidates, tok)
	if err != nil {
		return "", fmt.Errorf("coordinator: detect language %s: %w", botID, err)
	}
	return lang, nil
}
