// Package docstore holds the local copy of the synced document: an opaque
// JSON payload plus a mandatory lastModified timestamp. The engine never
// interprets payload fields; the document is one indivisible unit.
package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// lastModifiedKey is the reserved top-level JSON field carrying the
// document's modification timestamp.
const lastModifiedKey = "lastModified"

// Document is the synced unit. Payload holds every top-level field except
// lastModified, undecoded.
type Document struct {
	LastModified time.Time
	Payload      map[string]json.RawMessage
}

// MarshalJSON flattens the document back into a single JSON object with
// lastModified alongside the payload fields.
func (d Document) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(d.Payload)+1)
	for k, v := range d.Payload {
		fields[k] = v
	}

	ts, err := json.Marshal(d.LastModified.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	fields[lastModifiedKey] = ts

	return json.Marshal(fields)
}

// UnmarshalJSON splits a flat JSON object into the timestamp and the opaque
// payload. A missing or malformed lastModified field is an error; a
// document without a timestamp cannot participate in conflict resolution.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("docstore: decoding document: %w", err)
	}

	raw, ok := fields[lastModifiedKey]
	if !ok {
		return fmt.Errorf("docstore: document missing %s field", lastModifiedKey)
	}

	var ts string
	if err := json.Unmarshal(raw, &ts); err != nil {
		return fmt.Errorf("docstore: decoding %s: %w", lastModifiedKey, err)
	}

	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("docstore: parsing %s %q: %w", lastModifiedKey, ts, err)
	}

	delete(fields, lastModifiedKey)

	d.LastModified = parsed
	d.Payload = fields

	return nil
}

// Encode serializes the document pretty-printed, the wire format of the
// remote sync file.
func (d Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("docstore: encoding document: %w", err)
	}

	return data, nil
}

// Decode parses a serialized document.
func Decode(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}

	return &d, nil
}
