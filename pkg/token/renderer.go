package token

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Renderer turns a token code into a stored artifact and returns its
// reference. Discard removes an artifact by that reference; a missing
// artifact is not an error.
type Renderer interface {
	Render(ctx context.Context, code string) (string, error)
	Discard(ctx context.Context, ref string) error
}

// QRRenderer writes a PNG QR code per token into Dir.
type QRRenderer struct {
	Dir  string
	Size int
}

// NewQRRenderer creates a renderer writing into dir, creating it if needed.
func NewQRRenderer(dir string, size int) (*QRRenderer, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if size <= 0 {
		size = 256
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &QRRenderer{Dir: dir, Size: size}, nil
}

// Render writes <Dir>/<code>.png and returns its path.
func (r *QRRenderer) Render(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(r.Dir, code+".png")
	if err := qrcode.WriteFile(code, qrcode.Medium, r.Size, path); err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return path, nil
}

// Discard removes the PNG at ref. Only files under Dir are removed.
func (r *QRRenderer) Discard(_ context.Context, ref string) error {
	rel, err := filepath.Rel(r.Dir, ref)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("artifact %s is outside %s", ref, r.Dir)
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove qr code: %w", err)
	}
	return nil
}

// NopRenderer stores nothing and returns mem://<code>.
type NopRenderer struct{}

func (NopRenderer) Render(_ context.Context, code string) (string, error) {
	return "mem://" + code, nil
}

func (NopRenderer) Discard(context.Context, string) error { return nil }
