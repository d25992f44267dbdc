// Package transform converts extracted record batches into their target
// representation, one pure per-field conversion at a time. Malformed records
// are quarantined rather than failing the containing batch.
package transform

import (
	"errors"
	"fmt"
	"time"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
)

// ErrUnsupportedConversion indicates a declared source/target type pair has
// no entry in the conversion table. Detected at startup validation, never
// mid-run.
var ErrUnsupportedConversion = errors.New("unsupported type conversion")

// RejectedRecord is a source record set aside because one of its fields
// could not be converted
type RejectedRecord struct {
	Entity string
	Field  string
	Reason string
	Record *record.Record
}

// Registry resolves converters per entity field. Built once at startup from
// the catalog; immutable afterwards.
type Registry struct {
	converters map[string][]fieldConverter
}

type fieldConverter struct {
	field   string
	convert Converter
}

// NewRegistry builds the per-entity converter chains and fails fast if any
// declared type pair is unmapped.
func NewRegistry(cat *catalog.Catalog) (*Registry, error) {
	r := &Registry{converters: make(map[string][]fieldConverter, cat.Len())}
	for _, e := range cat.Entities() {
		chain := make([]fieldConverter, 0, len(e.Fields))
		for _, f := range e.Fields {
			pair := TypePair{Source: f.SourceType, Target: f.TargetType}
			conv, ok := conversionTable[pair]
			if !ok {
				return nil, fmt.Errorf("entity %q field %q (%s -> %s): %w",
					e.Name, f.Name, f.SourceType, f.TargetType, ErrUnsupportedConversion)
			}
			chain = append(chain, fieldConverter{field: f.Name, convert: conv})
		}
		r.converters[e.Name] = chain
	}
	return r, nil
}

// Apply converts one batch. The converted batch preserves input order minus
// quarantined records. now is injected by the caller so the transform itself
// stays pure; it stamps nothing unless a converter needs it (none do today,
// but the orchestrator owns the clock either way).
func (r *Registry) Apply(entity string, batch *record.Batch, now time.Time) (*record.Batch, []RejectedRecord) {
	chain := r.converters[entity]
	out := &record.Batch{Records: make([]*record.Record, 0, batch.Len())}
	var rejected []RejectedRecord

	for _, rec := range batch.Records {
		converted := record.NewRecord(rec.Fields())
		var reject *RejectedRecord
		for _, fc := range chain {
			value, err := fc.convert(rec.Get(fc.field))
			if err != nil {
				reject = &RejectedRecord{
					Entity: entity,
					Field:  fc.field,
					Reason: err.Error(),
					Record: rec,
				}
				break
			}
			converted.Set(fc.field, value)
		}
		if reject != nil {
			rejected = append(rejected, *reject)
			continue
		}
		out.Records = append(out.Records, converted)
	}

	return out, rejected
}
