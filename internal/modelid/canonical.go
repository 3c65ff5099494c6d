package modelid

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/zulandar/roundhouse/internal/nlu"
)

// canonicalIntents returns a deep copy of intents with every collection
// sorted, so that semantically identical definitions hash identically.
func canonicalIntents(intents []nlu.Intent) []nlu.Intent {
	out := make([]nlu.Intent, 0, len(intents))
	for _, in := range intents {
		c := nlu.Intent{
			Name:       in.Name,
			Contexts:   sortedStrings(in.Contexts),
			Utterances: sortedStrings(in.Utterances),
			Slots:      make([]nlu.Slot, 0, len(in.Slots)),
		}
		for _, s := range in.Slots {
			c.Slots = append(c.Slots, nlu.Slot{Name: s.Name, Entities: sortedStrings(s.Entities)})
		}
		slices.SortFunc(c.Slots, func(a, b nlu.Slot) int { return strings.Compare(a.Name, b.Name) })
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b nlu.Intent) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func canonicalEntities(entities []nlu.Entity) []nlu.Entity {
	out := make([]nlu.Entity, 0, len(entities))
	for _, e := range entities {
		c := e
		c.Examples = sortedStrings(e.Examples)
		c.Values = make([]nlu.EntityValue, 0, len(e.Values))
		for _, v := range e.Values {
			c.Values = append(c.Values, nlu.EntityValue{Name: v.Name, Synonyms: sortedStrings(v.Synonyms)})
		}
		slices.SortFunc(c.Values, func(a, b nlu.EntityValue) int { return strings.Compare(a.Name, b.Name) })
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b nlu.Entity) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// sortedStrings never returns nil so that empty and missing collections
// serialize the same way.
func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	slices.Sort(out)
	return out
}

// canonicalJSON marshals v; inputs are plain structs so encoding cannot fail.
func canonicalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("modelid: canonical json: " + err.Error())
	}
	return data
}
