package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"sigs.k8s.io/yaml"
)

// TypeField is injected into every document so a query can filter on the document type.
const TypeField = "doc_type"

var DefaultMapping = NewDefaultMapping()

type Field struct {
	Name string `json:"name"`
	// Type is the search engine field type (text, keyword, date, ...).
	Type string `json:"type"`
	// Autocomplete adds a edge n-gram subfield used for prefix matching.
	Autocomplete bool `json:"autocomplete,omitempty"`
}

type DocumentType struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Mapping is the set of document types stored in a tenant index, plus the index level settings.
type Mapping struct {
	Shards   int            `json:"shards"`
	Replicas int            `json:"replicas"`
	Types    []DocumentType `json:"types"`
}

func NewDefaultMapping() Mapping {
	return Mapping{
		Shards:   1,
		Replicas: 1,
		Types: []DocumentType{
			{
				Name: "profile",
				Fields: []Field{
					{Name: "name", Type: "text", Autocomplete: true},
					{Name: "email", Type: "keyword"},
					{Name: "title", Type: "text", Autocomplete: true},
					{Name: "bio", Type: "text"},
					{Name: "team_ids", Type: "keyword"},
					{Name: "location_id", Type: "keyword"},
					{Name: "updated_at", Type: "date"},
				},
			},
			{
				Name: "team",
				Fields: []Field{
					{Name: "name", Type: "text", Autocomplete: true},
					{Name: "description", Type: "text"},
					{Name: "updated_at", Type: "date"},
				},
			},
			{
				Name: "location",
				Fields: []Field{
					{Name: "name", Type: "text", Autocomplete: true},
					{Name: "address", Type: "text"},
					{Name: "city", Type: "keyword"},
					{Name: "updated_at", Type: "date"},
				},
			},
			{
				Name: "post",
				Fields: []Field{
					{Name: "title", Type: "text", Autocomplete: true},
					{Name: "body", Type: "text"},
					{Name: "author_id", Type: "keyword"},
					{Name: "published_at", Type: "date"},
					{Name: "updated_at", Type: "date"},
				},
			},
		},
	}
}

// Load reads a mapping from a YAML or JSON file.
func Load(path string) (Mapping, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, err
	}

	var m Mapping
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Mapping{}, fmt.Errorf("parse mapping %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return Mapping{}, fmt.Errorf("invalid mapping %s: %w", path, err)
	}
	return m, nil
}

// Validate checks that the document types can share a single index: a field used by more than one type must
// have the same definition everywhere.
func (m Mapping) Validate() error {
	if len(m.Types) == 0 {
		return fmt.Errorf("no document types defined")
	}
	if m.Shards < 1 {
		return fmt.Errorf("shards must be >= 1")
	}
	if m.Replicas < 0 {
		return fmt.Errorf("replicas must be >= 0")
	}

	seenTypes := make(map[string]struct{})
	fields := make(map[string]Field)
	for _, dt := range m.Types {
		if dt.Name == "" || strings.ContainsAny(dt.Name, ": ") {
			return fmt.Errorf("invalid document type name %q", dt.Name)
		}
		if _, ok := seenTypes[dt.Name]; ok {
			return fmt.Errorf("document type %s defined twice", dt.Name)
		}
		seenTypes[dt.Name] = struct{}{}

		for _, f := range dt.Fields {
			if f.Name == "" || f.Type == "" {
				return fmt.Errorf("document type %s has a field without name or type", dt.Name)
			}
			if f.Name == TypeField {
				return fmt.Errorf("field %s is reserved", TypeField)
			}
			if prev, ok := fields[f.Name]; ok && prev != f {
				return fmt.Errorf("field %s has conflicting definitions", f.Name)
			}
			fields[f.Name] = f
		}
	}
	return nil
}

// HasType reports whether name is one of the mapped document types.
func (m Mapping) HasType(name string) bool {
	for _, dt := range m.Types {
		if dt.Name == name {
			return true
		}
	}
	return false
}

// Settings renders the index settings body, including the autocomplete analyzer.
func (m Mapping) Settings() (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"number_of_shards":   m.Shards,
		"number_of_replicas": m.Replicas,
		"analysis": map[string]any{
			"filter": map[string]any{
				"autocomplete_filter": map[string]any{
					"type":     "edge_ngram",
					"min_gram": 1,
					"max_gram": 20,
				},
			},
			"analyzer": map[string]any{
				"autocomplete": map[string]any{
					"type":      "custom",
					"tokenizer": "standard",
					"filter":    []string{"lowercase", "autocomplete_filter"},
				},
			},
		},
	})
}

// Mappings renders the merged field mappings of all document types.
func (m Mapping) Mappings() (json.RawMessage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	props := map[string]any{
		TypeField: map[string]any{"type": "keyword"},
	}
	for _, dt := range m.Types {
		for _, f := range dt.Fields {
			p := map[string]any{"type": f.Type}
			if f.Autocomplete {
				p["fields"] = map[string]any{
					"autocomplete": map[string]any{
						"type":            "text",
						"analyzer":        "autocomplete",
						"search_analyzer": "standard",
					},
				}
			}
			props[f.Name] = p
		}
	}

	return json.Marshal(map[string]any{
		"dynamic":    false,
		"properties": props,
	})
}

// Hash fingerprints the mapping so logs can tell two deployed schemas apart.
func Hash(m Mapping) uint64 {
	types := make([]DocumentType, len(m.Types))
	copy(types, m.Types)
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })

	b, _ := json.Marshal(Mapping{Shards: m.Shards, Replicas: m.Replicas, Types: types})
	return xxhash.Sum64(b)
}
