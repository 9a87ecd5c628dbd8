package token

import "time"

// State is the allocation state of a token.
type State string

const (
	StateFree     State = "FREE"
	StateAssigned State = "ASSIGNED"
	StateRetired  State = "RETIRED"
)

// KindQR is the only token kind issued today.
const KindQR = "QR"

// Token is a printable, scannable credential token. OwnerID is set exactly
// when State is ASSIGNED; the unique index keeps an owner to one token.
// LiveSubject mirrors SubjectID until the token is retired, so the store
// keeps a subject to one live token.
type Token struct {
	ID          string     `gorm:"primaryKey;column:id" json:"id"`
	Code        string     `gorm:"uniqueIndex;not null;column:code" json:"code"`
	Kind        string     `gorm:"not null;column:kind" json:"kind"`
	State       State      `gorm:"index;not null;column:state" json:"state"`
	SubjectID   string     `gorm:"index;not null;column:subject_id" json:"subjectId"`
	OwnerID     *string    `gorm:"uniqueIndex;column:owner_id" json:"ownerId,omitempty"`
	LiveSubject *string    `gorm:"uniqueIndex;column:live_subject" json:"-"`
	ArtifactRef string     `gorm:"column:artifact_ref" json:"artifactRef"`
	ExpiresAt   *time.Time `gorm:"index;column:expires_at" json:"expiresAt,omitempty"`
	Version     int        `gorm:"not null;column:version" json:"version"`
	RetiredAt   *time.Time `gorm:"column:retired_at" json:"retiredAt,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

func (Token) TableName() string { return "tokens" }
