package status

import "time"

// CatalogEntry is a row of the immutable statuses catalog.
type CatalogEntry struct {
	ID   int    `gorm:"primaryKey;column:id;autoIncrement:false"`
	Name string `gorm:"column:name;uniqueIndex;not null"`
}

// TableName returns the GORM table name.
func (CatalogEntry) TableName() string { return "statuses" }

// Record is an append-only status history entry. ActiveKey holds the person
// ID while the record is active and is cleared on close, so the unique index
// admits at most one active record per person.
type Record struct {
	ID        string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	PersonID  string     `gorm:"column:person_id;type:varchar(36);uniqueIndex:idx_status_person_seq,priority:1;not null"`
	StatusID  int        `gorm:"column:status_id;not null"`
	Sequence  int        `gorm:"column:sequence;uniqueIndex:idx_status_person_seq,priority:2;not null"`
	Active    bool       `gorm:"column:active;not null"`
	ActiveKey *string    `gorm:"column:active_key;type:varchar(36);uniqueIndex:idx_status_active_key"`
	ChangedBy string     `gorm:"column:changed_by;not null"`
	Reason    string     `gorm:"column:reason"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	ClosedAt  *time.Time `gorm:"column:closed_at"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "status_records" }

// Status returns the lifecycle status of the record.
func (r Record) Status() Status {
	s, err := FromCatalogID(r.StatusID)
	if err != nil {
		return None
	}
	return s
}

// Head is the materialized pointer to a person's current record. Version is
// bumped on every move so concurrent writers detect each other.
type Head struct {
	PersonID  string    `gorm:"primaryKey;column:person_id;type:varchar(36)"`
	RecordID  *string   `gorm:"column:record_id;type:varchar(36)"`
	StatusID  int       `gorm:"column:status_id;not null;default:0"`
	Sequence  int       `gorm:"column:sequence;not null;default:0"`
	Version   int       `gorm:"column:version;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Head) TableName() string { return "status_heads" }
