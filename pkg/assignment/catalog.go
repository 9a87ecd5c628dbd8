package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Catalog stores posts, processes and process posts.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog creates a Catalog over db.
func NewCatalog(gdb *gorm.DB) *Catalog {
	return &Catalog{db: gdb}
}

// WithTx returns a Catalog bound to tx.
func (c *Catalog) WithTx(tx *gorm.DB) *Catalog {
	return &Catalog{db: tx}
}

// CreatePost adds an active permanent post.
func (c *Catalog) CreatePost(ctx context.Context, code, name, orgUnit string) (*Post, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(name) == "" {
		return nil, sentinel.Validationf("post code and name are required")
	}
	post := &Post{
		ID:      uuid.New().String(),
		Code:    code,
		Name:    name,
		OrgUnit: orgUnit,
		Active:  true,
	}
	if err := c.db.WithContext(ctx).Create(post).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, sentinel.Conflictf("post code %q already exists", code)
		}
		return nil, fmt.Errorf("create post: %w", err)
	}
	return post, nil
}

// CreateProcess adds an active process with the window [startsAt, endsAt].
func (c *Catalog) CreateProcess(ctx context.Context, code, name string, startsAt, endsAt time.Time) (*Process, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(name) == "" {
		return nil, sentinel.Validationf("process code and name are required")
	}
	if startsAt.IsZero() || endsAt.IsZero() || endsAt.Before(startsAt) {
		return nil, sentinel.Validationf("process window must be non-empty: %s to %s",
			startsAt.Format(time.RFC3339), endsAt.Format(time.RFC3339))
	}
	proc := &Process{
		ID:       uuid.New().String(),
		Code:     code,
		Name:     name,
		StartsAt: startsAt.UTC(),
		EndsAt:   endsAt.UTC(),
		Active:   true,
	}
	if err := c.db.WithContext(ctx).Create(proc).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, sentinel.Conflictf("process code %q already exists", code)
		}
		return nil, fmt.Errorf("create process: %w", err)
	}
	return proc, nil
}

// CreateProcessPost adds an active post scoped to processID.
func (c *Catalog) CreateProcessPost(ctx context.Context, processID, code, name string) (*ProcessPost, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(name) == "" {
		return nil, sentinel.Validationf("process post code and name are required")
	}
	if _, err := c.GetProcess(ctx, processID); err != nil {
		return nil, err
	}
	pp := &ProcessPost{
		ID:        uuid.New().String(),
		ProcessID: processID,
		Code:      code,
		Name:      name,
		Active:    true,
	}
	if err := c.db.WithContext(ctx).Create(pp).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, sentinel.Conflictf("process post code %q already exists in process %s", code, processID)
		}
		return nil, fmt.Errorf("create process post: %w", err)
	}
	return pp, nil
}

// GetPost returns the post or NotFound.
func (c *Catalog) GetPost(ctx context.Context, id string) (*Post, error) {
	var post Post
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&post).Error; err != nil {
		return nil, notFound(err, "post", id)
	}
	return &post, nil
}

// GetPostByCode returns the post with the given code or NotFound.
func (c *Catalog) GetPostByCode(ctx context.Context, code string) (*Post, error) {
	var post Post
	if err := c.db.WithContext(ctx).Where("code = ?", code).First(&post).Error; err != nil {
		return nil, notFound(err, "post code", code)
	}
	return &post, nil
}

// GetProcess returns the process or NotFound.
func (c *Catalog) GetProcess(ctx context.Context, id string) (*Process, error) {
	var proc Process
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&proc).Error; err != nil {
		return nil, notFound(err, "process", id)
	}
	return &proc, nil
}

// GetProcessPost returns the process post or NotFound.
func (c *Catalog) GetProcessPost(ctx context.Context, id string) (*ProcessPost, error) {
	var pp ProcessPost
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&pp).Error; err != nil {
		return nil, notFound(err, "process post", id)
	}
	return &pp, nil
}

// ListPosts returns all permanent posts ordered by code.
func (c *Catalog) ListPosts(ctx context.Context) ([]Post, error) {
	var posts []Post
	if err := c.db.WithContext(ctx).Order("code ASC").Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// DeactivatePost marks a post inactive. Rejected with Conflict while any
// active assignment references it.
func (c *Catalog) DeactivatePost(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		if err := db.ForUpdate(tx).Where("id = ?", id).First(&post).Error; err != nil {
			return notFound(err, "post", id)
		}
		var n int64
		if err := tx.Model(&Record{}).Where("post_id = ? AND active = ?", id, true).Count(&n).Error; err != nil {
			return fmt.Errorf("count active assignments: %w", err)
		}
		if n > 0 {
			return sentinel.Conflictf("post %s has %d active assignment(s)", post.Code, n)
		}
		if err := tx.Model(&Post{}).Where("id = ?", id).Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate post: %w", err)
		}
		return nil
	})
}

// DeactivateProcessPost marks a process post inactive. Rejected with
// Conflict while any active assignment references it.
func (c *Catalog) DeactivateProcessPost(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pp ProcessPost
		if err := db.ForUpdate(tx).Where("id = ?", id).First(&pp).Error; err != nil {
			return notFound(err, "process post", id)
		}
		var n int64
		if err := tx.Model(&ProcessRecord{}).Where("process_post_id = ? AND active = ?", id, true).Count(&n).Error; err != nil {
			return fmt.Errorf("count active process assignments: %w", err)
		}
		if n > 0 {
			return sentinel.Conflictf("process post %s has %d active assignment(s)", pp.Code, n)
		}
		if err := tx.Model(&ProcessPost{}).Where("id = ?", id).Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate process post: %w", err)
		}
		return nil
	})
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel.NotFoundf("%s %s", what, id)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
