package person

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Person is the subject progressing through the credential lifecycle. Its
// current status lives in the status ledger.
type Person struct {
	ID                    string    `gorm:"primaryKey;column:id" json:"id"`
	NationalID            string    `gorm:"uniqueIndex;not null;column:national_id" json:"nationalId"`
	Email                 string    `gorm:"uniqueIndex;not null;column:email" json:"email"`
	FirstName             string    `gorm:"not null;column:first_name" json:"firstName"`
	LastName              string    `gorm:"not null;column:last_name" json:"lastName"`
	Phone                 string    `gorm:"column:phone" json:"phone,omitempty"`
	ComputeAccessEligible bool      `gorm:"not null;column:compute_access_eligible" json:"computeAccessEligible"`
	CreatedAt             time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt             time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Person) TableName() string { return "persons" }

// Profile holds the editable person fields.
type Profile struct {
	Email                 string `json:"email"`
	FirstName             string `json:"firstName"`
	LastName              string `json:"lastName"`
	Phone                 string `json:"phone,omitempty"`
	ComputeAccessEligible bool   `json:"computeAccessEligible"`
}

// Normalize trims the fields and lower-cases the email.
func (p Profile) Normalize() Profile {
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Phone = strings.TrimSpace(p.Phone)
	return p
}

// Validate checks required fields and the email format.
func (p Profile) Validate() error {
	if p.FirstName == "" || p.LastName == "" {
		return sentinel.Validationf("first and last name are required")
	}
	if p.Email == "" {
		return sentinel.Validationf("email is required")
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return sentinel.Validationf("invalid email %q", p.Email)
	}
	return nil
}

// Store persists persons.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over db.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AutoMigrate creates or updates the persons table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Person{}); err != nil {
		return fmt.Errorf("auto-migrate persons: %w", err)
	}
	return nil
}

// Get returns the person or NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Person, error) {
	return s.get(s.db.WithContext(ctx), id)
}

// GetForUpdate is Get with a row lock held until the transaction ends, so
// use cases on the same person serialize.
func (s *Store) GetForUpdate(ctx context.Context, id string) (*Person, error) {
	return s.get(db.ForUpdate(s.db.WithContext(ctx)), id)
}

func (s *Store) get(q *gorm.DB, id string) (*Person, error) {
	var p Person
	if err := q.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sentinel.NotFoundf("person %s", id)
		}
		return nil, fmt.Errorf("get person: %w", err)
	}
	return &p, nil
}

// FindByNationalID returns the person with nationalID, or nil.
func (s *Store) FindByNationalID(ctx context.Context, nationalID string) (*Person, error) {
	return s.findBy(ctx, "national_id", strings.TrimSpace(nationalID))
}

// FindByEmail returns the person with email, or nil.
func (s *Store) FindByEmail(ctx context.Context, email string) (*Person, error) {
	return s.findBy(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) findBy(ctx context.Context, column, value string) (*Person, error) {
	var p Person
	err := s.db.WithContext(ctx).Where(column+" = ?", value).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find person by %s: %w", column, err)
	}
	return &p, nil
}

// Create inserts a new person. A duplicate national ID or email is a Conflict.
func (s *Store) Create(ctx context.Context, nationalID string, profile Profile) (*Person, error) {
	nationalID = strings.TrimSpace(nationalID)
	if nationalID == "" {
		return nil, sentinel.Validationf("national id is required")
	}
	profile = profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	p := &Person{
		ID:                    uuid.New().String(),
		NationalID:            nationalID,
		Email:                 profile.Email,
		FirstName:             profile.FirstName,
		LastName:              profile.LastName,
		Phone:                 profile.Phone,
		ComputeAccessEligible: profile.ComputeAccessEligible,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, sentinel.Conflictf("national id or email already registered")
		}
		return nil, fmt.Errorf("create person: %w", err)
	}
	return p, nil
}

// UpdateProfile overwrites the person's profile fields.
func (s *Store) UpdateProfile(ctx context.Context, id string, profile Profile) (*Person, error) {
	profile = profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).Model(&Person{}).Where("id = ?", id).Updates(map[string]any{
		"email":                   profile.Email,
		"first_name":              profile.FirstName,
		"last_name":               profile.LastName,
		"phone":                   profile.Phone,
		"compute_access_eligible": profile.ComputeAccessEligible,
		"updated_at":              time.Now().UTC(),
	})
	if result.Error != nil {
		if db.IsDuplicate(result.Error) {
			return nil, sentinel.Conflictf("email %s belongs to another person", profile.Email)
		}
		return nil, fmt.Errorf("update person: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, sentinel.NotFoundf("person %s", id)
	}
	return s.Get(ctx, id)
}

// Delete removes the person row. Callers enforce the lifecycle guard.
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Person{})
	if result.Error != nil {
		return fmt.Errorf("delete person: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return sentinel.NotFoundf("person %s", id)
	}
	return nil
}
