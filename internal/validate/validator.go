// Package validate runs the post-load checks: row-count parity, orphaned
// reference detection, and sample-record diffing. Validation runs only after
// an entity's load step reports success.
package validate

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/target"
	"github.com/rowplane/rowplane/internal/transform"
)

// Validator checks a migrated entity against its source
type Validator struct {
	source    source.Store
	target    target.Store
	registry  *transform.Registry
	tolerance float64
	sampleN   int
	logger    *zap.Logger
}

// New creates a validator. tolerance is the maximum relative row-count
// difference tolerated as a warning; sampleN is the sample-diff size.
func New(src source.Store, tgt target.Store, reg *transform.Registry, tolerance float64, sampleN int, logger *zap.Logger) *Validator {
	return &Validator{
		source:    src,
		target:    tgt,
		registry:  reg,
		tolerance: tolerance,
		sampleN:   sampleN,
		logger:    logger,
	}
}

// Validate runs the checks in order: parity, orphans, sample diff.
// sourceRows and targetRows are passed in by the orchestrator, which already
// holds fresh counts from the load step.
func (v *Validator) Validate(ctx context.Context, entity catalog.Entity, sourceRows, targetRows int64) ([]Finding, error) {
	var findings []Finding

	findings = append(findings, v.checkRowCounts(entity, sourceRows, targetRows)...)

	orphans, err := v.checkOrphans(ctx, entity)
	if err != nil {
		return findings, err
	}
	findings = append(findings, orphans...)

	diffs, err := v.checkSamples(ctx, entity)
	if err != nil {
		return findings, err
	}
	findings = append(findings, diffs...)

	v.logger.Debug("validation complete",
		zap.String("entity", entity.Name),
		zap.Int("findings", len(findings)))
	return findings, nil
}

// checkRowCounts compares source and target counts against the tolerance
func (v *Validator) checkRowCounts(entity catalog.Entity, sourceRows, targetRows int64) []Finding {
	if sourceRows == targetRows {
		return nil
	}

	severity := SeverityWarning
	var relative float64
	if sourceRows > 0 {
		relative = math.Abs(float64(sourceRows-targetRows)) / float64(sourceRows)
	} else {
		relative = 1
	}
	if relative > v.tolerance {
		severity = SeverityError
	}

	return []Finding{{
		Entity:   entity.Name,
		Kind:     KindRowCountMismatch,
		Severity: severity,
		Detail: fmt.Sprintf("source has %d rows, target has %d (relative difference %.4f, tolerance %.4f)",
			sourceRows, targetRows, relative, v.tolerance),
	}}
}

// checkOrphans counts target rows whose foreign keys resolve to nothing
func (v *Validator) checkOrphans(ctx context.Context, entity catalog.Entity) ([]Finding, error) {
	var findings []Finding
	for _, ref := range entity.References {
		count, err := v.target.OrphanCount(ctx, entity, ref)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		findings = append(findings, Finding{
			Entity:   entity.Name,
			Kind:     KindOrphanedReference,
			Severity: SeverityError,
			Detail: fmt.Sprintf("%d rows reference missing %s.%s via %s",
				count, ref.Entity, ref.RemoteField, ref.Field),
		})
	}
	return findings, nil
}

// checkSamples re-transforms a random sample of source records and compares
// them field by field against the loaded target rows. Keys are sampled on
// the source side and mapped forward through the type conversions, so key
// conversions that change the stored form (uuid lowercasing and the like)
// still land on the matching target row.
func (v *Validator) checkSamples(ctx context.Context, entity catalog.Entity) ([]Finding, error) {
	keys, err := v.source.SampleKeys(ctx, entity, v.sampleN)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, key := range keys {
		srcRec, err := v.source.FetchByKey(ctx, entity, key)
		if err != nil {
			return nil, err
		}
		if srcRec == nil {
			// Sampled row vanished between the two source reads
			findings = append(findings, Finding{
				Entity:   entity.Name,
				Kind:     KindSampleDiff,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("sampled key %v present on only one side", key),
			})
			continue
		}

		expected, rejected := v.registry.Apply(entity.Name, batchOf(srcRec), time.Time{})
		if len(rejected) > 0 || expected.Len() != 1 {
			findings = append(findings, Finding{
				Entity:   entity.Name,
				Kind:     KindSampleDiff,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("sampled key %v no longer converts cleanly from source", key),
			})
			continue
		}

		targetKey := make([]any, len(entity.PrimaryKey))
		for i, pk := range entity.PrimaryKey {
			targetKey[i] = expected.Records[0].Get(pk)
		}
		tgtRec, err := v.target.FetchByKey(ctx, entity, targetKey)
		if err != nil {
			return nil, err
		}
		if tgtRec == nil {
			findings = append(findings, Finding{
				Entity:   entity.Name,
				Kind:     KindSampleDiff,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("sampled key %v present on only one side", key),
			})
			continue
		}

		for _, field := range entity.FieldNames() {
			want := expected.Records[0].Get(field)
			got := tgtRec.Get(field)
			if !fieldEqual(want, got) {
				findings = append(findings, Finding{
					Entity:   entity.Name,
					Kind:     KindSampleDiff,
					Severity: SeverityWarning,
					Detail:   fmt.Sprintf("key %v field %s: source converts to %v, target holds %v", key, field, want, got),
				})
			}
		}
	}
	return findings, nil
}

func batchOf(recs ...*record.Record) *record.Batch {
	return &record.Batch{Records: recs}
}

// fieldEqual compares a converted source value with a stored target value,
// tolerating the representation drift a round trip through the target
// engine introduces (integer widths, []byte text, timestamp zones).
func fieldEqual(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	if tw, ok := want.(time.Time); ok {
		if tg, ok := got.(time.Time); ok {
			return tw.Equal(tg)
		}
	}
	return fmt.Sprintf("%v", want) == fmt.Sprintf("%v", got)
}
