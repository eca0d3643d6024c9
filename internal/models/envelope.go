package models

import (
	"time"
)

// EventNewHealthData is the push event emitted for every committed ingestion
const EventNewHealthData = "new_health_data"

// Envelope wraps an ingestion Bundle with delivery metadata for subscribers,
// the relay and the outbound event stream
type Envelope struct {
	// Event name seen by dashboard clients
	Event string `json:"event"`

	// Payload with the same shape as the ingestion response
	Data Bundle `json:"data"`

	// Internal delivery metadata
	PublishedAt  time.Time `json:"published_at"`
	OriginNode   string    `json:"origin_node"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new_health_data envelope around a bundle
func NewEnvelope(bundle Bundle, originNode string) *Envelope {
	return &Envelope{
		Event:        EventNewHealthData,
		Data:         bundle.Clone(),
		PublishedAt:  time.Now().UTC(),
		OriginNode:   originNode,
		PartitionKey: bundle.Reading.DeviceID, // partition by device for ordering
	}
}
