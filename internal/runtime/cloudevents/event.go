// Package cloudevents implements the CloudEvents v1.0 envelope that eventflow
// puts on the wire, including the extension attributes used for redelivery
// and trace propagation and the dead-letter wrapper.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// DefaultContentType is the content type stamped on envelopes whose data is JSON.
const DefaultContentType = "application/json"

// Event is the wire envelope. Data is kept as raw JSON so it can be decoded
// into the subscriber's payload type and re-published without loss.
type Event struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	DataSchema      *string
	Subject         *string
	Data            json.RawMessage
	// Extensions holds every top-level attribute that is not part of the
	// CloudEvents core set. Unknown keys are kept so they round-trip.
	Extensions map[string]any
}

var knownAttributes = map[string]struct{}{
	"specversion":     {},
	"type":            {},
	"source":          {},
	"id":              {},
	"time":            {},
	"datacontenttype": {},
	"dataschema":      {},
	"subject":         {},
	"data":            {},
}

// New creates an envelope with a fresh ULID id, the current time and JSON
// content type.
func New(eventType, source string, data json.RawMessage) Event {
	return Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              idspkg.CreateULID(),
		Time:            time.Now().UTC(),
		DataContentType: DefaultContentType,
		Data:            data,
		Extensions:      make(map[string]any),
	}
}

// WithSubject sets the subject and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = &subject
	return e
}

// WithDataSchema sets the data schema and returns the event.
func (e Event) WithDataSchema(schema string) Event {
	e.DataSchema = &schema
	return e
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	e.SetExtension(key, value)
	return e
}

// SetExtension sets an extension attribute in place.
func (e *Event) SetExtension(key string, value any) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
}

// GetExtension returns the extension value or nil.
func (e Event) GetExtension(key string) any {
	if e.Extensions == nil {
		return nil
	}
	return e.Extensions[key]
}

// GetExtensionString returns the extension as a string, or "" when absent.
func (e Event) GetExtensionString(key string) string {
	switch v := e.GetExtension(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetExtensionInt returns the extension as an int, or 0 when absent or not numeric.
func (e Event) GetExtensionInt(key string) int {
	switch n := e.GetExtension(key).(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// Stamp fills the id, time, spec version and content type when they are unset.
func (e *Event) Stamp() {
	if e.SpecVersion == "" {
		e.SpecVersion = SpecVersion
	}
	if e.ID == "" {
		e.ID = idspkg.CreateULID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.DataContentType == "" {
		e.DataContentType = DefaultContentType
	}
}

// Validate checks that the event has all required CloudEvents attributes.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cloned := e
	if e.DataSchema != nil {
		v := *e.DataSchema
		cloned.DataSchema = &v
	}
	if e.Subject != nil {
		v := *e.Subject
		cloned.Subject = &v
	}
	cloned.Data = slices.Clone(e.Data)
	cloned.Extensions = maps.Clone(e.Extensions)
	return cloned
}

// MarshalJSON writes the structured-mode JSON form with extensions flattened
// into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(knownAttributes)+len(e.Extensions))
	for k, v := range e.Extensions {
		if _, reserved := knownAttributes[k]; reserved {
			continue
		}
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.Format(TimeFormatNano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.DataSchema != nil {
		m["dataschema"] = *e.DataSchema
	}
	if e.Subject != nil {
		m["subject"] = *e.Subject
	}
	if len(e.Data) > 0 {
		m["data"] = e.Data
	}

	return jsoncodec.Marshal(m)
}

// UnmarshalJSON reads the structured-mode JSON form. Attributes outside the
// core set become extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	*e = Event{}
	textAttrs := map[string]*string{
		"specversion":     &e.SpecVersion,
		"type":            &e.Type,
		"source":          &e.Source,
		"id":              &e.ID,
		"datacontenttype": &e.DataContentType,
	}
	for key, dst := range textAttrs {
		if raw, ok := m[key]; ok {
			if err := jsoncodec.Unmarshal(raw, dst); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}

	if raw, ok := m["time"]; ok {
		var s string
		if err := jsoncodec.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		t, err := ParseTime(s)
		if err != nil {
			return err
		}
		e.Time = t
	}
	if raw, ok := m["dataschema"]; ok {
		var v string
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid dataschema: %w", err)
		}
		e.DataSchema = &v
	}
	if raw, ok := m["subject"]; ok {
		var v string
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid subject: %w", err)
		}
		e.Subject = &v
	}
	if raw, ok := m["data"]; ok && string(raw) != "null" {
		e.Data = slices.Clone(raw)
	}

	e.Extensions = make(map[string]any)
	for k, raw := range m {
		if _, known := knownAttributes[k]; known {
			continue
		}
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid extension %q: %w", k, err)
		}
		e.Extensions[k] = v
	}

	return nil
}

// Encode stamps missing attributes and serializes the envelope.
func Encode(evt Event) ([]byte, error) {
	evt.Stamp()
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return jsoncodec.Marshal(evt)
}

// Decode parses and validates an envelope.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := jsoncodec.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
