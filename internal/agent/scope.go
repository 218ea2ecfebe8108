package agent

import (
	"context"

	"github.com/pkg/errors"

	"sqlgrep/internal/metadata"
	"sqlgrep/internal/prompt"
)

// Scope is the resolved configuration for one question: the named
// context layered over the base config, computed once and never mutated
// while the question runs.
type Scope struct {
	Name          string
	Connection    string
	SchemaMode    string
	ExcludeTables []string
	Tables        []metadata.Table
	SmartSchema   int
	UserLanguage  string
	Database      *prompt.Database
}

// resolveScope merges the named context over the base config. The
// implicit "default" scope works without a declared context; any other
// unknown name is an error.
func (e *Engine) resolveScope(name string) (Scope, error) {
	if name == "" {
		name = "default"
	}

	scope := Scope{
		Name:         name,
		Connection:   e.cfg.DefaultConnection,
		SchemaMode:   e.cfg.SchemaMode,
		SmartSchema:  e.cfg.SmartSchema,
		UserLanguage: e.cfg.UserLanguage,
	}

	cc, ok := e.cfg.Contexts[name]
	if !ok {
		if name == "default" {
			return scope, nil
		}
		return Scope{}, errors.Errorf("unknown scope %q", name)
	}

	if cc.Connection != "" {
		scope.Connection = cc.Connection
	}
	if cc.SchemaMode != "" {
		scope.SchemaMode = cc.SchemaMode
	}
	if cc.SmartSchema != nil {
		scope.SmartSchema = *cc.SmartSchema
	}
	if cc.UserLanguage != "" {
		scope.UserLanguage = cc.UserLanguage
	}
	scope.ExcludeTables = append(scope.ExcludeTables, cc.ExcludeTables...)
	scope.Tables = cc.Tables
	if cc.Database.Type != "" || cc.Database.Name != "" {
		scope.Database = &prompt.Database{Type: cc.Database.Type, Name: cc.Database.Name}
	}
	return scope, nil
}

// resolveMetadata produces the table set per schema mode: declared
// tables only, discovered tables only, or discovered overlaid with
// declared.
func (e *Engine) resolveMetadata(ctx context.Context, scope Scope) ([]metadata.Table, error) {
	switch scope.SchemaMode {
	case "manual":
		return metadata.Exclude(scope.Tables, scope.ExcludeTables), nil
	case "auto", "merged":
	default:
		return nil, errors.Errorf("unknown schema mode %q", scope.SchemaMode)
	}

	var discovered []metadata.Table
	if e.loader != nil {
		conn, err := e.registry.Get(scope.Connection)
		if err != nil {
			return nil, err
		}
		discovered, err = e.loader.Load(ctx, conn, scope.ExcludeTables)
		if err != nil {
			return nil, errors.Wrap(err, "load schema metadata")
		}
	}

	if scope.SchemaMode == "auto" || len(scope.Tables) == 0 {
		return discovered, nil
	}
	return metadata.Exclude(metadata.Merge(discovered, scope.Tables), scope.ExcludeTables), nil
}

// fillDefaultConnection names the connection on every table once any
// table declares one, so the prompt can annotate all of them.
func (e *Engine) fillDefaultConnection(tables []metadata.Table, scope Scope) []metadata.Table {
	explicit := false
	for _, t := range tables {
		if t.Connection != "" {
			explicit = true
			break
		}
	}
	if !explicit {
		return tables
	}

	def := scope.Connection
	if def == "" {
		def = e.registry.DefaultName()
	}

	filled := make([]metadata.Table, len(tables))
	copy(filled, tables)
	for i := range filled {
		if filled[i].Connection == "" {
			filled[i].Connection = def
		}
	}
	return filled
}

// applySmartSchema asks the model to pick the relevant tables when the
// set is large. Any failure or empty selection keeps the full set.
func (e *Engine) applySmartSchema(ctx context.Context, tables []metadata.Table, question string, scope Scope) []metadata.Table {
	if scope.SmartSchema < 1 || len(tables) < scope.SmartSchema {
		return tables
	}

	resp, err := e.client.Chat(ctx, prompt.BuildSchemaFilterMessages(question, tables))
	if err != nil {
		return tables
	}
	e.addUsage(resp)

	selected, err := prompt.ParseTableSelection(resp.Content)
	if err != nil || len(selected) == 0 {
		return tables
	}
	return metadata.FilterByNames(tables, selected)
}
