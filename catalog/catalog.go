package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// Category classifies an entity for load ordering and integrity checks
type Category string

const (
	CategoryReference Category = "reference"
	CategoryDimension Category = "dimension"
	CategoryFact      Category = "fact"
	CategoryStaging   Category = "staging"
)

// ErrUnknownEntity indicates a reference to an entity not present in the catalog.
// This is a startup-time configuration error, never a runtime one.
var ErrUnknownEntity = errors.New("unknown entity")

// Field describes one column of an entity with its declared source and target types
type Field struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
}

// Reference declares a foreign key from a field to another entity's field
type Reference struct {
	Field       string `json:"field"`
	Entity      string `json:"entity"`
	RemoteField string `json:"remote_field"`
}

// Entity is one migratable table/collection. Entities are defined once at
// process start and are immutable for the run.
type Entity struct {
	Name          string      `json:"name"`
	Category      Category    `json:"category"`
	PrimaryKey    []string    `json:"primary_key"`
	Fields        []Field     `json:"fields"`
	References    []Reference `json:"references,omitempty"`
	EstimatedRows int64       `json:"estimated_rows,omitempty"`
}

// HasField reports whether the entity declares a field with the given name
func (e Entity) HasField(name string) bool {
	for _, f := range e.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// FieldNames returns the declared field names in declaration order
func (e Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// Catalog is the static description of every migratable entity and its
// foreign-key dependencies. Read-only after construction.
type Catalog struct {
	entities map[string]Entity
	ordered  []string
}

// New builds a catalog from entity definitions, verifying that every
// reference resolves to a catalog entity and a declared field.
func New(entities []Entity) (*Catalog, error) {
	c := &Catalog{entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		if _, dup := c.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		c.entities[e.Name] = e
		c.ordered = append(c.ordered, e.Name)
	}
	sort.Strings(c.ordered)

	for _, e := range entities {
		for _, pk := range e.PrimaryKey {
			if !e.HasField(pk) {
				return nil, fmt.Errorf("entity %q: primary key field %q is not declared", e.Name, pk)
			}
		}
		for _, ref := range e.References {
			if !e.HasField(ref.Field) {
				return nil, fmt.Errorf("entity %q: reference field %q is not declared", e.Name, ref.Field)
			}
			target, ok := c.entities[ref.Entity]
			if !ok {
				return nil, fmt.Errorf("entity %q references %q: %w", e.Name, ref.Entity, ErrUnknownEntity)
			}
			if !target.HasField(ref.RemoteField) {
				return nil, fmt.Errorf("entity %q references %s.%s: field not declared", e.Name, ref.Entity, ref.RemoteField)
			}
		}
	}

	return c, nil
}

// Entities returns all entities ordered by name
func (c *Catalog) Entities() []Entity {
	out := make([]Entity, 0, len(c.ordered))
	for _, name := range c.ordered {
		out = append(out, c.entities[name])
	}
	return out
}

// Get returns the entity with the given name
func (c *Catalog) Get(name string) (Entity, error) {
	e, ok := c.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("%q: %w", name, ErrUnknownEntity)
	}
	return e, nil
}

// DependenciesOf returns the names of entities that must be fully loaded
// before the named entity starts, sorted for determinism. Self-references
// are not dependencies: an entity cannot wait on itself, so rows pointing
// at other rows of the same entity load in whatever order extraction
// produces and are checked by post-load orphan validation.
func (c *Catalog) DependenciesOf(name string) ([]string, error) {
	e, ok := c.entities[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownEntity)
	}
	seen := make(map[string]bool)
	var deps []string
	for _, ref := range e.References {
		if ref.Entity == name || seen[ref.Entity] {
			continue
		}
		seen[ref.Entity] = true
		deps = append(deps, ref.Entity)
	}
	sort.Strings(deps)
	return deps, nil
}

// Len returns the number of entities in the catalog
func (c *Catalog) Len() int {
	return len(c.ordered)
}
