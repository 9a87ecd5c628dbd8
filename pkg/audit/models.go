package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Outcomes recorded on events.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// JSONAny is a map stored as a JSON text column.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Event is an immutable record of one use case invocation.
type Event struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	UseCase    string    `gorm:"column:use_case;index:idx_audit_use_case_time,priority:1;not null" json:"useCase"`
	Actor      string    `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null" json:"actor"`
	PersonID   string    `gorm:"column:person_id;index:idx_audit_person_time,priority:1" json:"personId,omitempty"`
	Outcome    string    `gorm:"column:outcome;not null" json:"outcome"`
	ErrorKind  string    `gorm:"column:error_kind" json:"errorKind,omitempty"`
	Reason     string    `gorm:"column:reason" json:"reason,omitempty"`
	FromStatus string    `gorm:"column:from_status" json:"fromStatus,omitempty"`
	ToStatus   string    `gorm:"column:to_status" json:"toStatus,omitempty"`
	Metadata   JSONAny   `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;index:idx_audit_use_case_time,priority:2;index:idx_audit_actor_time,priority:2;index:idx_audit_person_time,priority:2;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "audit_events" }

// Filter narrows ListFiltered. Empty fields match everything.
type Filter struct {
	PersonID string
	Actor    string
	UseCase  string
	Outcome  string
}
