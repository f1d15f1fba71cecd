package storage

import "errors"

// Bucket names
const (
	// EventsBucket holds event records keyed by big-endian sequence id.
	EventsBucket = "events"
	// HashIndexBucket maps canonical event hashes to record ids for
	// duplicate suppression.
	HashIndexBucket = "event_hash"
	// MetaBucket holds schema metadata.
	MetaBucket = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema_version"
	StoredFieldsKey  = "stored_fields"
)

// CurrentSchemaVersion is the schema version for this build
const CurrentSchemaVersion uint64 = 1

// ErrDuplicateEvent is returned when an inserted event's canonical hash is
// already present in the store.
var ErrDuplicateEvent = errors.New("duplicate event")

// ErrEventNotFound is returned when a record id has no entry.
var ErrEventNotFound = errors.New("event not found")

// storedFields is the authoritative field list of an event record. Records
// written by older builds simply lack fields added later and decode with
// zero values; the list persisted in the meta bucket is merged additively
// on open, never truncated.
var storedFields = []string{
	"id",
	"timestamp",
	"source_ip",
	"geo_country",
	"geo_city",
	"geo_region",
	"geo_latitude",
	"geo_longitude",
	"geo_timezone",
	"geo_isp",
	"geo_org",
	"protocol",
	"target_service",
	"action",
	"target_file",
	"headers",
	"payload",
	"session_id",
	"user_agent",
	"log_hash",
	"ml_score",
	"ml_risk_level",
	"is_anomaly",
	"predicted_attack_type",
	"darknet_traffic_type",
	"created_at",
}
