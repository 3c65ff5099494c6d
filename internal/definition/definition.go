// Package definition loads bot NLU definitions from YAML or JSON files and
// projects them onto one language for training.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/zulandar/roundhouse/internal/nlu"
	"gopkg.in/yaml.v3"
)

// BotDefinition is the authored definition of one bot across its languages.
type BotDefinition struct {
	Bot       string   `yaml:"bot"`
	Languages []string `yaml:"languages"`
	Intents   []Intent `yaml:"intents"`
	Entities  []Entity `yaml:"entities"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// Intent holds utterances per language code.
type Intent struct {
	Name       string              `yaml:"name"`
	Contexts   []string            `yaml:"contexts"`
	Utterances map[string][]string `yaml:"utterances"`
	Slots      []nlu.Slot          `yaml:"slots"`
}

// Entity is a custom entity, shared by every language of the bot.
type Entity struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Values        []nlu.EntityValue `yaml:"values"`
	Pattern       string            `yaml:"pattern"`
	Fuzzy         float64           `yaml:"fuzzy"`
	CaseSensitive bool              `yaml:"case_sensitive"`
	Examples      []string          `yaml:"examples"`
}

// IsDefinitionFile reports whether path has an extension Load accepts.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load reads and validates one definition file. JSON files are parsed by
// the YAML decoder, which accepts them unchanged.
func Load(path string) (*BotDefinition, error) {
	if !IsDefinitionFile(path) {
		return nil, fmt.Errorf("definition: load %s: unsupported extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definition: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("definition: %s: %w", path, err)
	}
	def.Path = path
	return def, nil
}

// Parse unmarshals and validates a definition document.
func Parse(data []byte) (*BotDefinition, error) {
	var def BotDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDir loads every definition file directly inside dir, ordered by bot.
func LoadDir(dir string) ([]*BotDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("definition: read dir %s: %w", dir, err)
	}

	var defs []*BotDefinition
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := Load(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Bot]; ok {
			return nil, fmt.Errorf("definition: bot %q defined in both %s and %s", def.Bot, prev, path)
		}
		seen[def.Bot] = path
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Bot < defs[j].Bot })
	return defs, nil
}

func (d *BotDefinition) validate() error {
	if d.Bot == "" {
		return fmt.Errorf("bot is required")
	}
	if len(d.Languages) == 0 {
		return fmt.Errorf("bot %q: at least one language is required", d.Bot)
	}

	intents := make(map[string]bool)
	for i, in := range d.Intents {
		if in.Name == "" {
			return fmt.Errorf("bot %q: intents[%d]: name is required", d.Bot, i)
		}
		if intents[in.Name] {
			return fmt.Errorf("bot %q: duplicate intent %q", d.Bot, in.Name)
		}
		intents[in.Name] = true
		for lang := range in.Utterances {
			if !d.Supports(lang) {
				return fmt.Errorf("bot %q: intent %q has utterances for undeclared language %q", d.Bot, in.Name, lang)
			}
		}
	}

	entities := make(map[string]bool)
	for i, e := range d.Entities {
		if e.Name == "" {
			return fmt.Errorf("bot %q: entities[%d]: name is required", d.Bot, i)
		}
		if entities[e.Name] {
			return fmt.Errorf("bot %q: duplicate entity %q", d.Bot, e.Name)
		}
		entities[e.Name] = true
		switch e.Type {
		case nlu.EntityList:
		case nlu.EntityPattern:
			if e.Pattern == "" {
				return fmt.Errorf("bot %q: pattern entity %q has no pattern", d.Bot, e.Name)
			}
		default:
			return fmt.Errorf("bot %q: entity %q: type must be %q or %q, got %q",
				d.Bot, e.Name, nlu.EntityList, nlu.EntityPattern, e.Type)
		}
	}
	return nil
}

// Supports reports whether lang is one of the bot's languages.
func (d *BotDefinition) Supports(lang string) bool {
	return slices.Contains(d.Languages, lang)
}

// ForLanguage projects the definition onto lang. Every intent is kept, with
// the utterances of lang only.
func (d *BotDefinition) ForLanguage(lang string) nlu.Definition {
	out := nlu.Definition{
		Language: lang,
		Intents:  make([]nlu.Intent, 0, len(d.Intents)),
		Entities: make([]nlu.Entity, 0, len(d.Entities)),
	}
	for _, in := range d.Intents {
		utterances := append([]string{}, in.Utterances[lang]...)
		out.Intents = append(out.Intents, nlu.Intent{
			Name:       in.Name,
			Contexts:   append([]string{}, in.Contexts...),
			Utterances: utterances,
			Slots:      append([]nlu.Slot{}, in.Slots...),
		})
	}
	for _, e := range d.Entities {
		out.Entities = append(out.Entities, nlu.Entity{
			Name:          e.Name,
			Type:          e.Type,
			Values:        e.Values,
			Pattern:       e.Pattern,
			Fuzzy:         e.Fuzzy,
			CaseSensitive: e.CaseSensitive,
			Examples:      e.Examples,
		})
	}
	return out
}
