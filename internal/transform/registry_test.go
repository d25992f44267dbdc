package transform

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
)

func testCatalog(t *testing.T, entities ...catalog.Entity) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.New(entities)
	require.NoError(t, err)
	return cat
}

func attendanceEntity() catalog.Entity {
	return catalog.Entity{
		Name:       "attendance",
		Category:   catalog.CategoryFact,
		PrimaryKey: []string{"id"},
		Fields: []catalog.Field{
			{Name: "id", SourceType: "int", TargetType: "bigint"},
			{Name: "present", SourceType: "bit", TargetType: "boolean"},
			{Name: "recorded_at", SourceType: "datetime", TargetType: "timestamptz"},
		},
	}
}

func TestNewRegistry_RejectsUnmappedTypePair(t *testing.T) {
	cat := testCatalog(t, catalog.Entity{
		Name:       "blobs",
		Category:   catalog.CategoryStaging,
		PrimaryKey: []string{"id"},
		Fields: []catalog.Field{
			{Name: "id", SourceType: "int", TargetType: "bigint"},
			{Name: "payload", SourceType: "varbinary", TargetType: "bytea"},
		},
	})

	_, err := NewRegistry(cat)
	require.ErrorIs(t, err, ErrUnsupportedConversion)
	assert.Contains(t, err.Error(), "blobs")
	assert.Contains(t, err.Error(), "payload")
}

func TestApply_ConvertsBatch(t *testing.T) {
	reg, err := NewRegistry(testCatalog(t, attendanceEntity()))
	require.NoError(t, err)

	fields := []string{"id", "present", "recorded_at"}
	rec := record.NewRecord(fields)
	rec.Set("id", "42")
	rec.Set("present", int64(1))
	rec.Set("recorded_at", "2024-09-01 08:30:00")

	out, rejected := reg.Apply("attendance", &record.Batch{Records: []*record.Record{rec}}, time.Now())
	require.Empty(t, rejected)
	require.Equal(t, 1, out.Len())

	got := out.Records[0]
	assert.Equal(t, int64(42), got.Get("id"))
	assert.Equal(t, true, got.Get("present"))
	assert.Equal(t, time.Date(2024, 9, 1, 8, 30, 0, 0, time.UTC), got.Get("recorded_at"))
}

func TestApply_QuarantinesOnlyMalformedRecords(t *testing.T) {
	reg, err := NewRegistry(testCatalog(t, attendanceEntity()))
	require.NoError(t, err)

	batch := &record.Batch{}
	fields := []string{"id", "present", "recorded_at"}
	for i := 0; i < 100; i++ {
		rec := record.NewRecord(fields)
		rec.Set("id", int64(i))
		rec.Set("present", int64(i%2))
		if i%20 == 0 {
			// Every 20th record carries an unparseable timestamp
			rec.Set("recorded_at", "not a date")
		} else {
			rec.Set("recorded_at", "2024-09-01 08:30:00")
		}
		batch.Records = append(batch.Records, rec)
	}

	out, rejected := reg.Apply("attendance", batch, time.Now())
	assert.Equal(t, 95, out.Len())
	require.Len(t, rejected, 5)
	for _, rej := range rejected {
		assert.Equal(t, "attendance", rej.Entity)
		assert.Equal(t, "recorded_at", rej.Field)
		assert.Contains(t, rej.Reason, "not a date")
		require.NotNil(t, rej.Record)
	}
}

func TestApply_PreservesInputOrder(t *testing.T) {
	reg, err := NewRegistry(testCatalog(t, attendanceEntity()))
	require.NoError(t, err)

	batch := &record.Batch{}
	fields := []string{"id", "present", "recorded_at"}
	for i := 0; i < 10; i++ {
		rec := record.NewRecord(fields)
		rec.Set("id", int64(i))
		rec.Set("present", true)
		rec.Set("recorded_at", "2024-09-01 08:30:00")
		batch.Records = append(batch.Records, rec)
	}

	out, rejected := reg.Apply("attendance", batch, time.Now())
	require.Empty(t, rejected)
	for i, rec := range out.Records {
		assert.Equal(t, int64(i), rec.Get("id"))
	}
}

func TestApply_IsPure(t *testing.T) {
	reg, err := NewRegistry(testCatalog(t, attendanceEntity()))
	require.NoError(t, err)

	fields := []string{"id", "present", "recorded_at"}
	rec := record.NewRecord(fields)
	rec.Set("id", int64(1))
	rec.Set("present", "yes")
	rec.Set("recorded_at", "2024-09-01T08:30:00Z")
	batch := &record.Batch{Records: []*record.Record{rec}}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first, _ := reg.Apply("attendance", batch, now)
	second, _ := reg.Apply("attendance", batch, now)

	require.Equal(t, first.Len(), second.Len())
	for i := range first.Records {
		for _, f := range fields {
			assert.Equal(t, first.Records[i].Get(f), second.Records[i].Get(f))
		}
	}

	// The input batch is untouched
	assert.Equal(t, "yes", rec.Get("present"))
}

func TestConverters(t *testing.T) {
	tests := []struct {
		name     string
		convert  Converter
		input    any
		expected any
	}{
		{"nil passes through", convertInteger, nil, nil},
		{"int string", convertInteger, " 7 ", int64(7)},
		{"bit one", convertBoolean, int64(1), true},
		{"bit zero", convertBoolean, "0", false},
		{"nul padding trimmed", convertText, "ABC\x00\x00", "ABC"},
		{"money with symbols", convertMoney, "$1,234.5", "1234.5000"},
		{"money float rescaled", convertMoney, 12.3, "12.3000"},
		{"guid braces and case", convertGUID, "{6F9619FF-8B86-D011-B42D-00C04FC964FF}", "6f9619ff-8b86-d011-b42d-00c04fc964ff"},
		{"numeric keeps text form", convertNumeric, "123.456", "123.456"},
		{"float from string", convertFloat, "2.5", 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.convert(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	bad := []struct {
		name    string
		convert Converter
		input   any
	}{
		{"fractional integer", convertInteger, 1.5},
		{"garbled boolean", convertBoolean, "maybe"},
		{"garbled timestamp", convertTimestamp, "yesterday"},
		{"garbled date", convertDate, "13/45/2024"},
		{"short guid", convertGUID, "abc"},
		{"garbled money", convertMoney, "$abc"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.convert(tt.input)
			assert.Error(t, err, fmt.Sprintf("input %v", tt.input))
		})
	}
}

func TestConvertDate_Formats(t *testing.T) {
	iso, err := convertDate("2024-09-01")
	require.NoError(t, err)
	us, err := convertDate("09/01/2024")
	require.NoError(t, err)
	assert.Equal(t, iso, us)
}
