// Package record holds the transient in-flight data containers: schema-free
// records, bounded batches, and the opaque resume token used to restart
// extraction. Batches exist only during extract/transform/load and are never
// persisted beyond the ledger's row-count bookkeeping.
package record

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Record is an ordered field-name -> value mapping for one source or target
// row. Field order follows the entity's declared field order so that batch
// contents are reproducible.
type Record struct {
	fields []string
	values map[string]any
}

// NewRecord creates an empty record with the given field order
func NewRecord(fields []string) *Record {
	return &Record{
		fields: fields,
		values: make(map[string]any, len(fields)),
	}
}

// Fields returns the field names in declaration order
func (r *Record) Fields() []string {
	return r.fields
}

// Get returns the value for a field, or nil if unset
func (r *Record) Get(field string) any {
	return r.values[field]
}

// Set assigns a field value
func (r *Record) Set(field string, value any) {
	r.values[field] = value
}

// Values returns the record values in field order
func (r *Record) Values() []any {
	out := make([]any, len(r.fields))
	for i, f := range r.fields {
		out[i] = r.values[f]
	}
	return out
}

// Clone returns a copy sharing the field-order slice but not the values
func (r *Record) Clone() *Record {
	c := NewRecord(r.fields)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Batch is an ordered, bounded sequence of records sharing a batch cursor
type Batch struct {
	Records []*Record
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Token is an opaque resume token. Internally it encodes the primary-key
// values of the last extracted record; extraction resumes at exactly the
// next unread record.
type Token string

// EncodeToken builds a resume token from the last-read primary key values
func EncodeToken(keyValues []any) (Token, error) {
	data, err := json.Marshal(keyValues)
	if err != nil {
		return "", fmt.Errorf("failed to encode resume token: %w", err)
	}
	return Token(base64.StdEncoding.EncodeToString(data)), nil
}

// DecodeToken recovers the primary key values from a resume token.
// An empty token decodes to nil, meaning start from the beginning.
func DecodeToken(t Token) ([]any, error) {
	if t == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(string(t))
	if err != nil {
		return nil, fmt.Errorf("malformed resume token: %w", err)
	}
	var keyValues []any
	if err := json.Unmarshal(data, &keyValues); err != nil {
		return nil, fmt.Errorf("malformed resume token: %w", err)
	}
	return keyValues, nil
}
