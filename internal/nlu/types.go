// Package nlu defines the data exchanged with the remote NLU training and
// prediction service, and the error taxonomy shared by the model lifecycle.
package nlu

// ModelKey identifies one logical model slot.
type ModelKey struct {
	BotID    string `json:"botId"`
	Language string `json:"language"`
}

// String renders the key for logs and error messages.
func (k ModelKey) String() string {
	return k.BotID + "/" + k.Language
}

// Intent is one intent of a bot definition, restricted to a single language.
type Intent struct {
	Name       string   `json:"name" yaml:"name"`
	Contexts   []string `json:"contexts" yaml:"contexts"`
	Utterances []string `json:"utterances" yaml:"utterances"`
	Slots      []Slot   `json:"slots" yaml:"slots"`
}

// Slot binds an intent parameter to one or more entity types.
type Slot struct {
	Name     string   `json:"name" yaml:"name"`
	Entities []string `json:"entities" yaml:"entities"`
}

// Entity type constants.
const (
	EntityList    = "list"
	EntityPattern = "pattern"
)

// Entity is a custom entity definition.
type Entity struct {
	Name          string        `json:"name" yaml:"name"`
	Type          string        `json:"type" yaml:"type"`
	Values        []EntityValue `json:"values,omitempty" yaml:"values"`
	Pattern       string        `json:"pattern,omitempty" yaml:"pattern"`
	Fuzzy         float64       `json:"fuzzy,omitempty" yaml:"fuzzy"`
	CaseSensitive bool          `json:"caseSensitive,omitempty" yaml:"case_sensitive"`
	Examples      []string      `json:"examples,omitempty" yaml:"examples"`
}

// EntityValue is one canonical value of a list entity.
type EntityValue struct {
	Name     string   `json:"name" yaml:"name"`
	Synonyms []string `json:"synonyms" yaml:"synonyms"`
}

// Definition is a bot's NLU definition for one language. It is the input of
// change detection (definition hash) and of training.
type Definition struct {
	Language string   `json:"language"`
	Intents  []Intent `json:"intents"`
	Entities []Entity `json:"entities"`
}

// TrainInput is the full payload submitted to the remote service.
type TrainInput struct {
	Language string   `json:"language"`
	Intents  []Intent `json:"intents"`
	Entities []Entity `json:"entities"`
	Seed     int      `json:"seed"`
}

// Specifications describe the remote engine; a change in specifications
// produces new model ids for identical content.
type Specifications struct {
	NLUVersion     string         `json:"nluVersion"`
	LanguageServer LanguageServer `json:"languageServer"`
}

// LanguageServer describes the embeddings backend of the remote engine.
type LanguageServer struct {
	Dimensions int    `json:"dimensions"`
	Domain     string `json:"domain"`
	Version    string `json:"version"`
}

// Health reports the remote service liveness.
type Health struct {
	IsEnabled           bool     `json:"isEnabled"`
	ValidProvidersCount int      `json:"validProvidersCount"`
	ValidLanguages      []string `json:"validLanguages"`
}

// Info is the capability probe result.
type Info struct {
	Health    Health         `json:"health"`
	Specs     Specifications `json:"specs"`
	Languages []string       `json:"languages"`
}

// TrainingStatus is the remote status of a training session.
type TrainingStatus string

// Remote training statuses.
const (
	TrainingDone     TrainingStatus = "done"
	TrainingPending  TrainingStatus = "training-pending"
	TrainingRunning  TrainingStatus = "training"
	TrainingCanceled TrainingStatus = "canceled"
	TrainingErrored  TrainingStatus = "errored"
)

// InProgress reports whether the session has not reached a terminal status.
func (s TrainingStatus) InProgress() bool {
	return s == TrainingPending || s == TrainingRunning
}

// TrainingError is the remote description of a failed training.
type TrainingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TrainingSession is held by the remote service only; it is polled, never stored.
type TrainingSession struct {
	Status   TrainingStatus `json:"status"`
	Progress float64        `json:"progress"`
	Error    *TrainingError `json:"error,omitempty"`
}

// TrainingUpdate is one element of a training watch sequence. Exactly one
// update per sequence is terminal (Done set or Err non-nil).
type TrainingUpdate struct {
	Progress float64
	Done     bool
	Err      error
}

// Terminal reports whether the update ends the sequence.
func (u TrainingUpdate) Terminal() bool {
	return u.Done || u.Err != nil
}

// PredictOutput is the result of a single-utterance inference.
type PredictOutput struct {
	DetectedLanguage string              `json:"detectedLanguage,omitempty"`
	SpellChecked     string              `json:"spellChecked,omitempty"`
	Entities         []EntityPrediction  `json:"entities"`
	Contexts         []ContextPrediction `json:"contexts"`
}

// EntityPrediction is one extracted entity.
type EntityPrediction struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Value      any     `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// ContextPrediction groups intent predictions for one context.
type ContextPrediction struct {
	Name       string             `json:"name"`
	Confidence float64            `json:"confidence"`
	OOS        float64            `json:"oos"`
	Intents    []IntentPrediction `json:"intents"`
}

// IntentPrediction is one intent score with its extracted slots.
type IntentPrediction struct {
	Name       string           `json:"name"`
	Confidence float64          `json:"confidence"`
	Extractor  string           `json:"extractor"`
	Slots      []SlotPrediction `json:"slots"`
}

// SlotPrediction is one extracted slot value.
type SlotPrediction struct {
	Name       string  `json:"name"`
	Value      any     `json:"value"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}
