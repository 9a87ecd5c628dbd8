package assignment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogFile is the YAML reference data for posts and processes.
type CatalogFile struct {
	Posts     []PostSpec    `yaml:"posts"`
	Processes []ProcessSpec `yaml:"processes"`
}

// PostSpec describes a permanent or process post in the catalog file.
type PostSpec struct {
	Code    string `yaml:"code"`
	Name    string `yaml:"name"`
	OrgUnit string `yaml:"orgUnit"`
}

// ProcessSpec describes a process and its posts in the catalog file.
type ProcessSpec struct {
	Code     string     `yaml:"code"`
	Name     string     `yaml:"name"`
	StartsAt time.Time  `yaml:"startsAt"`
	EndsAt   time.Time  `yaml:"endsAt"`
	Posts    []PostSpec `yaml:"posts"`
}

// LoadCatalogFile reads the catalog seed file at path.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the file for missing codes, duplicate codes and empty
// process windows.
func (f *CatalogFile) Validate() error {
	seen := map[string]bool{}
	for _, p := range f.Posts {
		if p.Code == "" || p.Name == "" {
			return fmt.Errorf("catalog post requires code and name")
		}
		if seen[p.Code] {
			return fmt.Errorf("duplicate post code %q", p.Code)
		}
		seen[p.Code] = true
	}
	procs := map[string]bool{}
	for _, proc := range f.Processes {
		if proc.Code == "" || proc.Name == "" {
			return fmt.Errorf("catalog process requires code and name")
		}
		if procs[proc.Code] {
			return fmt.Errorf("duplicate process code %q", proc.Code)
		}
		procs[proc.Code] = true
		if proc.EndsAt.Before(proc.StartsAt) {
			return fmt.Errorf("process %q ends before it starts", proc.Code)
		}
		posts := map[string]bool{}
		for _, p := range proc.Posts {
			if p.Code == "" || p.Name == "" {
				return fmt.Errorf("process %q post requires code and name", proc.Code)
			}
			if posts[p.Code] {
				return fmt.Errorf("duplicate post code %q in process %q", p.Code, proc.Code)
			}
			posts[p.Code] = true
		}
	}
	return nil
}

// Seed upserts the file's posts and processes by code. Running it twice
// leaves the catalog unchanged.
func (c *Catalog) Seed(ctx context.Context, f *CatalogFile) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range f.Posts {
			post := &Post{ID: uuid.New().String(), Code: p.Code, Name: p.Name, OrgUnit: p.OrgUnit, Active: true}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "org_unit", "updated_at"}),
			}).Create(post).Error
			if err != nil {
				return fmt.Errorf("seed post %s: %w", p.Code, err)
			}
		}
		for _, spec := range f.Processes {
			proc := &Process{
				ID:       uuid.New().String(),
				Code:     spec.Code,
				Name:     spec.Name,
				StartsAt: spec.StartsAt.UTC(),
				EndsAt:   spec.EndsAt.UTC(),
				Active:   true,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "starts_at", "ends_at", "updated_at"}),
			}).Create(proc).Error
			if err != nil {
				return fmt.Errorf("seed process %s: %w", spec.Code, err)
			}
			// The upsert may have kept an existing row; reload its id.
			var stored Process
			if err := tx.Where("code = ?", spec.Code).First(&stored).Error; err != nil {
				return fmt.Errorf("reload process %s: %w", spec.Code, err)
			}
			for _, p := range spec.Posts {
				pp := &ProcessPost{ID: uuid.New().String(), ProcessID: stored.ID, Code: p.Code, Name: p.Name, Active: true}
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "process_id"}, {Name: "code"}},
					DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
				}).Create(pp).Error
				if err != nil {
					return fmt.Errorf("seed process post %s/%s: %w", spec.Code, p.Code, err)
				}
			}
		}
		return nil
	})
}
