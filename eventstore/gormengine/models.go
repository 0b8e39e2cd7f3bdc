package gormengine

import (
	"time"
)

// eventRecord is one row of the events table. The table name is chosen at runtime, see Config.TableName.
type eventRecord struct {
	SequenceNumber int64     `gorm:"column:sequence_number;primaryKey;autoIncrement"`
	StreamName     string    `gorm:"column:stream_name;not null"`
	Version        int64     `gorm:"column:version;not null"`
	EventType      string    `gorm:"column:event_type;not null"`
	Payload        string    `gorm:"column:payload;not null"`
	Metadata       string    `gorm:"column:metadata;not null"`
	EventID        string    `gorm:"column:event_id;not null"`
	CorrelationID  string    `gorm:"column:correlation_id;not null;default:''"`
	CausationID    string    `gorm:"column:causation_id;not null;default:''"`
	RecordedAt     time.Time `gorm:"column:recorded_at;not null"`
}

// ledgerRecord is one listener's progress.
// ReservedBy and ReservedUntil hold the lease on SQLite and stay empty on PostgreSQL.
type ledgerRecord struct {
	ListenerID                   string    `gorm:"column:listener_id;primaryKey"`
	HighestAppliedSequenceNumber int64     `gorm:"column:highest_applied_sequence_number;not null"`
	ReservedBy                   string    `gorm:"column:reserved_by;not null;default:''"`
	ReservedUntil                int64     `gorm:"column:reserved_until;not null;default:0"`
	UpdatedAt                    time.Time `gorm:"column:updated_at;not null"`
}

const (
	colSequenceNumber = "sequence_number"
	colStreamName     = "stream_name"
	colVersion        = "version"
	colEventType      = "event_type"
	colEventID        = "event_id"
	colCorrelationID  = "correlation_id"
	colListenerID     = "listener_id"
	colHighestApplied = "highest_applied_sequence_number"
	colReservedBy     = "reserved_by"
	colReservedUntil  = "reserved_until"
	colUpdatedAt      = "updated_at"
)
