// Package metadata holds the broker headers carried next to an envelope:
// Kafka record headers, Redis stream entry fields and Watermill metadata.
package metadata

import (
	"sort"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
)

// Header keys written on publish so brokers and tooling can route or filter
// without decoding the envelope.
const (
	KeyEventID     = "ce_id"
	KeyEventType   = "ce_type"
	KeyEventSource = "ce_source"
	KeySpecVersion = "ce_specversion"
	KeyPartition   = "partition_key"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Get returns the value for key or "".
func (m Metadata) Get(key string) string {
	return m[key]
}

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForEvent builds the standard headers for an envelope.
func ForEvent(evt cloudeventspkg.Event) Metadata {
	return Metadata{
		KeyEventID:     evt.ID,
		KeyEventType:   evt.Type,
		KeyEventSource: evt.Source,
		KeySpecVersion: evt.SpecVersion,
	}
}
