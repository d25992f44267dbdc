package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Converter turns one source field value into its target representation.
// Converters must be pure: no hidden state, no clock access.
type Converter func(value any) (any, error)

// TypePair keys the conversion table by declared source and target type
type TypePair struct {
	Source string
	Target string
}

// conversionTable maps every supported source/target type pair to its
// converter. The pairs cover the SQL Server -> PostgreSQL surface the
// warehouse conversion needs; an unmapped pair is a startup error, never a
// mid-run one.
var conversionTable = map[TypePair]Converter{
	{"int", "integer"}:              convertInteger,
	{"int", "bigint"}:               convertInteger,
	{"bigint", "bigint"}:            convertInteger,
	{"smallint", "smallint"}:        convertInteger,
	{"tinyint", "smallint"}:         convertInteger,
	{"bit", "boolean"}:              convertBoolean,
	{"varchar", "varchar"}:          convertText,
	{"varchar", "text"}:             convertText,
	{"nvarchar", "varchar"}:         convertText,
	{"nvarchar", "text"}:            convertText,
	{"char", "char"}:                convertText,
	{"text", "text"}:                convertText,
	{"datetime", "timestamptz"}:     convertTimestamp,
	{"datetime2", "timestamptz"}:    convertTimestamp,
	{"smalldatetime", "timestamptz"}: convertTimestamp,
	{"date", "date"}:                convertDate,
	{"decimal", "numeric"}:          convertNumeric,
	{"numeric", "numeric"}:          convertNumeric,
	{"money", "numeric"}:            convertMoney,
	{"float", "double precision"}:   convertFloat,
	{"real", "real"}:                convertFloat,
	{"uniqueidentifier", "uuid"}:    convertGUID,
}

// timestampLayouts are tried in order when a timestamp arrives as text
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func convertInteger(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("not an integer: %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable integer %q", v)
		}
		return n, nil
	case []byte:
		return convertInteger(string(v))
	default:
		return nil, fmt.Errorf("unexpected integer value of type %T", value)
	}
}

// convertBoolean normalizes SQL Server bit values and their textual spellings
func convertBoolean(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y":
			return true, nil
		case "0", "false", "f", "no", "n":
			return false, nil
		}
		return nil, fmt.Errorf("unparseable boolean %q", v)
	case []byte:
		return convertBoolean(string(v))
	default:
		return nil, fmt.Errorf("unexpected boolean value of type %T", value)
	}
}

// convertText strips NUL padding that fixed-width SQL Server columns carry
func convertText(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.TrimRight(v, "\x00"), nil
	case []byte:
		return strings.TrimRight(string(v), "\x00"), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func convertTimestamp(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unparseable timestamp %q", v)
	case []byte:
		return convertTimestamp(string(v))
	default:
		return nil, fmt.Errorf("unexpected timestamp value of type %T", value)
	}
}

func convertDate(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC().Truncate(24 * time.Hour), nil
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t, nil
		}
		if t, err := time.Parse("01/02/2006", s); err == nil {
			return t, nil
		}
		return nil, fmt.Errorf("unparseable date %q", v)
	case []byte:
		return convertDate(string(v))
	default:
		return nil, fmt.Errorf("unexpected date value of type %T", value)
	}
}

func convertNumeric(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("unparseable numeric %q", v)
		}
		return s, nil
	case []byte:
		return convertNumeric(string(v))
	case float64, int64, int:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected numeric value of type %T", value)
	}
}

// convertMoney rescales SQL Server money (4 decimal places) to numeric(19,4)
func convertMoney(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		return strconv.FormatFloat(v, 'f', 4, 64), nil
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "$"))
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable money %q", v)
		}
		return strconv.FormatFloat(f, 'f', 4, 64), nil
	case []byte:
		return convertMoney(string(v))
	case int64:
		return strconv.FormatFloat(float64(v), 'f', 4, 64), nil
	default:
		return nil, fmt.Errorf("unexpected money value of type %T", value)
	}
}

func convertFloat(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable float %q", v)
		}
		return f, nil
	case []byte:
		return convertFloat(string(v))
	default:
		return nil, fmt.Errorf("unexpected float value of type %T", value)
	}
}

// convertGUID lowercases SQL Server uppercase GUIDs for the uuid type
func convertGUID(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.ToLower(strings.Trim(strings.TrimSpace(v), "{}"))
		if len(s) != 36 {
			return nil, fmt.Errorf("unparseable uuid %q", v)
		}
		return s, nil
	case []byte:
		return convertGUID(string(v))
	default:
		return nil, fmt.Errorf("unexpected uuid value of type %T", value)
	}
}
