// Package metadata defines table metadata shared between configuration,
// schema loaders, and the prompt builder.
package metadata

import "strings"

// Column describes a table column for prompt rendering.
type Column struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Template    string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Relationship describes a link between two tables.
type Relationship struct {
	Type       string `yaml:"type" json:"type"`
	Table      string `yaml:"table" json:"table"`
	ForeignKey string `yaml:"foreign_key,omitempty" json:"foreign_key,omitempty"`
}

// Table describes a database table exposed to the model.
type Table struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	Connection    string         `yaml:"connection,omitempty" json:"connection,omitempty"`
	Engine        string         `yaml:"engine,omitempty" json:"engine,omitempty"`
	Columns       []Column       `yaml:"columns,omitempty" json:"columns,omitempty"`
	Relationships []Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

// KnownTables returns the lowercased table-name allow-list for validation.
func KnownTables(tables []Table) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Merge overlays declared tables onto discovered ones by lowercased name.
// Declared entries win field by field; discovered tables without a declared
// counterpart are kept as-is, and declared tables without a discovered base
// are appended. Order follows the discovered set, then new declared tables.
func Merge(discovered []Table, declared []Table) []Table {
	if len(declared) == 0 {
		out := make([]Table, len(discovered))
		copy(out, discovered)
		return out
	}

	index := make(map[string]int, len(discovered))
	merged := make([]Table, len(discovered))
	copy(merged, discovered)
	for i, t := range merged {
		index[strings.ToLower(t.Name)] = i
	}

	for _, d := range declared {
		key := strings.ToLower(strings.TrimSpace(d.Name))
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(merged)
			merged = append(merged, d)
			continue
		}
		merged[i] = overlay(merged[i], d)
	}
	return merged
}

// overlay applies non-empty declared fields over a discovered table.
func overlay(base Table, over Table) Table {
	if over.Description != "" {
		base.Description = over.Description
	}
	if over.Connection != "" {
		base.Connection = over.Connection
	}
	if over.Engine != "" {
		base.Engine = over.Engine
	}
	if len(over.Columns) > 0 {
		base.Columns = mergeColumns(base.Columns, over.Columns)
	}
	if len(over.Relationships) > 0 {
		base.Relationships = over.Relationships
	}
	return base
}

func mergeColumns(base []Column, over []Column) []Column {
	index := make(map[string]int, len(base))
	merged := make([]Column, len(base))
	copy(merged, base)
	for i, c := range merged {
		index[strings.ToLower(c.Name)] = i
	}
	for _, o := range over {
		key := strings.ToLower(strings.TrimSpace(o.Name))
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(merged)
			merged = append(merged, o)
			continue
		}
		if o.Type != "" {
			merged[i].Type = o.Type
		}
		if o.Description != "" {
			merged[i].Description = o.Description
		}
		if o.Template != "" {
			merged[i].Template = o.Template
		}
	}
	return merged
}

// FilterByNames keeps only tables whose lowercased name is in selected.
// Returns the input unchanged when the filter would drop everything.
func FilterByNames(tables []Table, selected []string) []Table {
	if len(selected) == 0 {
		return tables
	}
	want := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		want[strings.ToLower(s)] = struct{}{}
	}
	filtered := make([]Table, 0, len(selected))
	for _, t := range tables {
		if _, ok := want[strings.ToLower(t.Name)]; ok {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return tables
	}
	return filtered
}

// Exclude drops tables whose lowercased name matches any entry in exclude.
func Exclude(tables []Table, exclude []string) []Table {
	if len(exclude) == 0 {
		return tables
	}
	drop := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			drop[e] = struct{}{}
		}
	}
	kept := make([]Table, 0, len(tables))
	for _, t := range tables {
		if _, ok := drop[strings.ToLower(t.Name)]; ok {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
