package assignment

import (
	"fmt"
	"time"
)

// Track distinguishes permanent posts from process-scoped posts.
type Track string

const (
	TrackPermanent Track = "permanent"
	TrackProcess   Track = "process"
)

// Valid reports whether t is a known track.
func (t Track) Valid() bool {
	return t == TrackPermanent || t == TrackProcess
}

// PostRef names a Post (permanent track) or a ProcessPost (process track).
type PostRef struct {
	Track Track  `json:"track"`
	ID    string `json:"id"`
}

// RecordRef names an assignment record on either track.
type RecordRef struct {
	Track Track  `json:"track"`
	ID    string `json:"id"`
}

// Post is a permanent job title.
type Post struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null;column:code" json:"code"`
	Name      string    `gorm:"not null;column:name" json:"name"`
	OrgUnit   string    `gorm:"column:org_unit" json:"orgUnit,omitempty"`
	Active    bool      `gorm:"not null;column:active" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Post) TableName() string { return "posts" }

// Process is a time-boxed event. Its validity window is [StartsAt, EndsAt].
type Process struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	Code      string    `gorm:"uniqueIndex;not null;column:code" json:"code"`
	Name      string    `gorm:"not null;column:name" json:"name"`
	StartsAt  time.Time `gorm:"not null;column:starts_at" json:"startsAt"`
	EndsAt    time.Time `gorm:"not null;column:ends_at" json:"endsAt"`
	Active    bool      `gorm:"not null;column:active" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Process) TableName() string { return "processes" }

// Contains reports whether at falls inside the validity window.
func (p *Process) Contains(at time.Time) bool {
	return !at.Before(p.StartsAt) && !at.After(p.EndsAt)
}

// ProcessPost is a job title scoped to one process.
type ProcessPost struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	ProcessID string    `gorm:"uniqueIndex:idx_process_post_code,priority:1;not null;column:process_id" json:"processId"`
	Code      string    `gorm:"uniqueIndex:idx_process_post_code,priority:2;not null;column:code" json:"code"`
	Name      string    `gorm:"not null;column:name" json:"name"`
	Active    bool      `gorm:"not null;column:active" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (ProcessPost) TableName() string { return "process_posts" }

// Record links a person to a permanent post for an interval. ActiveKey is
// person:post while the record is active and NULL once closed, so the unique
// index admits at most one active record per (person, post).
type Record struct {
	ID        string     `gorm:"primaryKey;column:id"`
	PersonID  string     `gorm:"index;not null;column:person_id"`
	PostID    string     `gorm:"index;not null;column:post_id"`
	Start     time.Time  `gorm:"not null;column:start_at"`
	End       *time.Time `gorm:"column:end_at"`
	Active    bool       `gorm:"index;not null;column:active"`
	ActiveKey *string    `gorm:"uniqueIndex:idx_assignment_active_key;column:active_key"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (Record) TableName() string { return "assignment_records" }

// ProcessRecord links a person to a process post for an interval. ActiveKey
// is person:process while active, so a person holds at most one post per
// process at a time.
type ProcessRecord struct {
	ID            string     `gorm:"primaryKey;column:id"`
	PersonID      string     `gorm:"index;not null;column:person_id"`
	ProcessPostID string     `gorm:"index;not null;column:process_post_id"`
	ProcessID     string     `gorm:"index;not null;column:process_id"`
	Start         time.Time  `gorm:"not null;column:start_at"`
	End           *time.Time `gorm:"column:end_at"`
	Active        bool       `gorm:"index;not null;column:active"`
	ActiveKey     *string    `gorm:"uniqueIndex:idx_process_assignment_active_key;column:active_key"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
}

func (ProcessRecord) TableName() string { return "process_assignment_records" }

// Assignment is the track-independent view of an assignment record.
type Assignment struct {
	Ref       RecordRef  `json:"ref"`
	PersonID  string     `json:"personId"`
	Post      PostRef    `json:"post"`
	ProcessID string     `json:"processId,omitempty"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"createdAt"`
}

func postKey(personID, postID string) *string {
	k := fmt.Sprintf("%s:%s", personID, postID)
	return &k
}

func processKey(personID, processID string) *string {
	k := fmt.Sprintf("%s:%s", personID, processID)
	return &k
}

func fromRecord(r *Record) *Assignment {
	return &Assignment{
		Ref:       RecordRef{Track: TrackPermanent, ID: r.ID},
		PersonID:  r.PersonID,
		Post:      PostRef{Track: TrackPermanent, ID: r.PostID},
		Start:     r.Start,
		End:       r.End,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}

func fromProcessRecord(r *ProcessRecord) *Assignment {
	return &Assignment{
		Ref:       RecordRef{Track: TrackProcess, ID: r.ID},
		PersonID:  r.PersonID,
		Post:      PostRef{Track: TrackProcess, ID: r.ProcessPostID},
		ProcessID: r.ProcessID,
		Start:     r.Start,
		End:       r.End,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
}
