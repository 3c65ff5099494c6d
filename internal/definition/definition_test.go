package definition

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/modelid"
)

const sampleYAML = `
bot: weather
languages: [en, fr]
intents:
  - name: greet
    contexts: [global]
    utterances:
      en: [hello, hi there]
      fr: [bonjour]
  - name: forecast
    contexts: [global]
    utterances:
      en: ["what is the weather in {city}"]
    slots:
      - name: city
        entities: [city]
entities:
  - name: city
    type: list
    values:
      - name: paris
        synonyms: [paname]
  - name: ticket
    type: pattern
    pattern: "[A-Z]{3}-[0-9]+"
    case_sensitive: true
`

const sampleJSON = `{
  "bot": "support",
  "languages": ["en"],
  "intents": [
    {"name": "help", "contexts": ["global"], "utterances": {"en": ["help me"]}}
  ],
  "entities": []
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Bot != "weather" || len(def.Languages) != 2 {
		t.Errorf("bot = %q, languages = %v", def.Bot, def.Languages)
	}
	if len(def.Intents) != 2 || len(def.Entities) != 2 {
		t.Fatalf("intents = %d, entities = %d", len(def.Intents), len(def.Entities))
	}
	if got := def.Intents[0].Utterances["fr"]; len(got) != 1 || got[0] != "bonjour" {
		t.Errorf("fr utterances = %v", got)
	}
	if !def.Entities[1].CaseSensitive || def.Entities[1].Pattern == "" {
		t.Errorf("pattern entity = %+v", def.Entities[1])
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"missing bot", "languages: [en]", "bot is required"},
		{"missing languages", "bot: b", "at least one language"},
		{"unnamed intent", "bot: b\nlanguages: [en]\nintents: [{contexts: [global]}]", "name is required"},
		{"duplicate intent", "bot: b\nlanguages: [en]\nintents: [{name: a}, {name: a}]", "duplicate intent"},
		{"undeclared language", "bot: b\nlanguages: [en]\nintents: [{name: a, utterances: {de: [hallo]}}]", "undeclared language"},
		{"bad entity type", "bot: b\nlanguages: [en]\nentities: [{name: e, type: regex}]", "type must be"},
		{"pattern without pattern", "bot: b\nlanguages: [en]\nentities: [{name: e, type: pattern}]", "has no pattern"},
		{"duplicate entity", "bot: b\nlanguages: [en]\nentities: [{name: e, type: list}, {name: e, type: list}]", "duplicate entity"},
		{"malformed", "bot: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestForLanguage(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	fr := def.ForLanguage("fr")
	if fr.Language != "fr" || len(fr.Intents) != 2 {
		t.Fatalf("fr = %+v", fr)
	}
	if got := fr.Intents[0].Utterances; len(got) != 1 || got[0] != "bonjour" {
		t.Errorf("greet fr utterances = %v", got)
	}
	if got := fr.Intents[1].Utterances; got == nil || len(got) != 0 {
		t.Errorf("forecast fr utterances = %#v, want empty", got)
	}
	if len(fr.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(fr.Entities))
	}

	en := def.ForLanguage("en")
	if modelid.DefinitionHash(en) == modelid.DefinitionHash(fr) {
		t.Error("en and fr projections hash equal")
	}
}

func TestForLanguage_DoesNotAlias(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	en := def.ForLanguage("en")
	en.Intents[0].Utterances[0] = "changed"
	if def.Intents[0].Utterances["en"][0] != "hello" {
		t.Error("projection shares utterance storage with the definition")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "support.json", sampleJSON)

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.Bot != "support" || def.Path != path {
		t.Errorf("def = %+v", def)
	}

	if _, err := Load(writeFile(t, dir, "notes.txt", "x")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weather.yaml", sampleYAML)
	writeFile(t, dir, "support.json", sampleJSON)
	writeFile(t, dir, "README.md", "# not a definition")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(defs) != 2 || defs[0].Bot != "support" || defs[1].Bot != "weather" {
		t.Errorf("bots = %v", defs)
	}
}

func TestLoadDir_DuplicateBot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", sampleYAML)
	writeFile(t, dir, "b.yml", sampleYAML)

	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Errorf("error = %v, want duplicate bot", err)
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	noop := func(context.Context, *BotDefinition) {}
	if _, err := NewWatcher("", 0, noop, nil); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := NewWatcher(t.TempDir(), 0, nil, nil); err == nil {
		t.Error("expected error for nil handler")
	}
	w, err := NewWatcher(t.TempDir(), 0, noop, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if w.debounce != DefaultDebounce {
		t.Errorf("debounce = %v, want %v", w.debounce, DefaultDebounce)
	}
}

func TestWatcher_ReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan *BotDefinition, 4)
	w, err := NewWatcher(dir, 20*time.Millisecond, func(_ context.Context, def *BotDefinition) {
		select {
		case changed <- def:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	// The watch is registered asynchronously; rewrite until it fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		writeFile(t, dir, "weather.yaml", sampleYAML)
		select {
		case def := <-changed:
			if def.Bot != "weather" {
				t.Errorf("bot = %q, want weather", def.Bot)
			}
			return
		case <-deadline:
			t.Fatal("handler not called")
		case <-tick.C:
		}
	}
}

func TestWatcher_SkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	var calls []*BotDefinition
	w, err := NewWatcher(dir, 0, func(_ context.Context, def *BotDefinition) {
		calls = append(calls, def)
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	w.flush(context.Background(), map[string]bool{
		writeFile(t, dir, "broken.yaml", "bot: ["):    true,
		writeFile(t, dir, "weather.yaml", sampleYAML): true,
	})
	if len(calls) != 1 || calls[0].Bot != "weather" {
		t.Errorf("handler calls = %v, want only weather", calls)
	}
}
