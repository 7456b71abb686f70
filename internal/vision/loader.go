// Package vision provides the image capabilities of the face pipeline: a
// filesystem image loader, an imaging-based preprocessor and face cropper,
// and clients for the detection and recognition model servers.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
)

// FileLoader decodes images stored under a root directory. Source refs are
// slash-separated paths relative to the root.
type FileLoader struct {
	root string
}

func NewFileLoader(root string) (*FileLoader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving image root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("image root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image root %s is not a directory", abs)
	}
	return &FileLoader{root: abs}, nil
}

// Load opens and decodes ref. A missing, unreadable-by-format or escaping
// path is a permanent failure; other I/O errors are transient.
func (l *FileLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, apperrors.Permanent(err)
		}
		return nil, apperrors.Transient(err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("decoding %s: %w", ref, err))
	}
	return img, nil
}

func (l *FileLoader) resolve(ref string) (string, error) {
	if ref == "" || filepath.IsAbs(ref) {
		return "", apperrors.Permanent(fmt.Errorf("source ref %q must be a relative path", ref))
	}
	path := filepath.Join(l.root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.Permanent(fmt.Errorf("source ref %q escapes the image root", ref))
	}
	return path, nil
}
