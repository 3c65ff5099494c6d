package nluclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
)

type infoResponse struct {
	Info nlu.Info `json:"info"`
}

type predictRequest struct {
	Utterances []string `json:"utterances"`
}

type predictResponse struct {
	Predictions []nlu.PredictOutput `json:"predictions"`
}

type detectRequest struct {
	Utterances []string `json:"utterances"`
	Models     []string `json:"models"`
}

type detectResponse struct {
	DetectedLanguages []string `json:"detectedLanguages"`
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// Info probes liveness and capabilities. The returned specifications feed
// model id computation.
func (c *Client) Info(ctx context.Context) (*nlu.Info, error) {
	var resp infoResponse
	if err := c.call(ctx, "info", http.MethodGet, "/info", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

// Predict runs a single utterance through model id.
func (c *Client) Predict(ctx context.Context, utterance string, id modelid.ModelID, token string) (*nlu.PredictOutput, error) {
	var resp predictResponse
	path := "/predict/" + url.PathEscape(id.String())
	if err := c.call(ctx, "predict", http.MethodPost, path, token, predictRequest{Utterances: []string{utterance}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) != 1 {
		return nil, &nlu.RemoteRejectionError{
			Op:         "predict",
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("expected 1 prediction, got %d", len(resp.Predictions)),
		}
	}
	return &resp.Predictions[0], nil
}

// DetectLanguage asks which language utterance is written in, choosing among
// the languages of candidates. An answer outside that set is a rejection.
func (c *Client) DetectLanguage(ctx context.Context, utterance string, candidates []modelid.ModelID, token string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("nluclient: detect language: no candidate models")
	}
	req := detectRequest{Utterances: []string{utterance}}
	languages := make([]string, 0, len(candidates))
	for _, id := range candidates {
		req.Models = append(req.Models, id.String())
		languages = append(languages, id.Language)
	}

	var resp detectResponse
	if err := c.call(ctx, "detect language", http.MethodPost, "/detect-lang", token, req, &resp); err != nil {
		return "", err
	}
	if len(resp.DetectedLanguages) != 1 {
		return "", &nlu.RemoteRejectionError{
			Op:         "detect language",
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("expected 1 detected language, got %d", len(resp.DetectedLanguages)),
		}
	}
	lang := resp.DetectedLanguages[0]
	if !slices.Contains(languages, lang) {
		return "", &nlu.RemoteRejectionError{
			Op:         "detect language",
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("detected language %q is not one of %v", lang, languages),
		}
	}
	return lang, nil
}

// ListModels returns the models the service holds for token's owner.
func (c *Client) ListModels(ctx context.Context, token string) ([]modelid.ModelID, error) {
	var resp modelsResponse
	if err := c.call(ctx, "list models", http.MethodGet, "/models", token, nil, &resp); err != nil {
		return nil, err
	}
	return parseIDs("list models", resp.Models)
}

// PruneModels asks the service to drop outdated models and returns the ids
// it removed.
func (c *Client) PruneModels(ctx context.Context, token string) ([]modelid.ModelID, error) {
	var resp modelsResponse
	if err := c.call(ctx, "prune models", http.MethodPost, "/models/prune", token, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return parseIDs("prune models", resp.Models)
}

func parseIDs(op string, raw []string) ([]modelid.ModelID, error) {
	ids := make([]modelid.ModelID, 0, len(raw))
	for _, s := range raw {
		id, err := modelid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("nluclient: %s: %w", op, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
