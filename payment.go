package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Bucket separates payment proofs from public product images on disk.
type Bucket string

const (
	BucketProofs Bucket = "proofs"
	BucketImages Bucket = "images"
)

var allowedExt = map[Bucket]map[string]bool{
	BucketProofs: {".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".pdf": true},
	BucketImages: {".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true},
}

// Upload is a file received from a client.
type Upload struct {
	Filename string
	Body     io.Reader
}

// FileStorage stores uploaded files and hands back opaque references.
type FileStorage interface {
	Save(ctx context.Context, b Bucket, up Upload) (string, error)
	Open(b Bucket, ref string) (io.ReadSeekCloser, string, error)
	Delete(ctx context.Context, b Bucket, ref string) error
}

// DiskFileStore writes uploads under dir/<bucket>/<uuid><ext>.
type DiskFileStore struct {
	dir      string
	maxBytes int64
}

func NewDiskFileStore(dir string, maxBytes int64) (*DiskFileStore, error) {
	for _, b := range []Bucket{BucketProofs, BucketImages} {
		if err := os.MkdirAll(filepath.Join(dir, string(b)), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create upload dir: %w", err)
		}
	}
	return &DiskFileStore{dir: dir, maxBytes: maxBytes}, nil
}

func (s *DiskFileStore) Save(ctx context.Context, b Bucket, up Upload) (string, error) {
	if up.Body == nil {
		return "", validationError("file is required")
	}
	ext := strings.ToLower(filepath.Ext(sanitizeFilename(up.Filename)))
	if !allowedExt[b][ext] {
		return "", validationError("file type %q is not accepted", ext)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := uuid.NewString() + ext
	dst := filepath.Join(s.dir, string(b), ref)
	tmp, err := os.CreateTemp(filepath.Join(s.dir, string(b)), ".upload-*")
	if err != nil {
		return "", unavailable("store file", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(up.Body, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", unavailable("store file", err)
	}
	if n == 0 {
		return "", validationError("file is empty")
	}
	if n > s.maxBytes {
		return "", validationError("file exceeds %d bytes", s.maxBytes)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", unavailable("store file", err)
	}
	return ref, nil
}

func (s *DiskFileStore) Open(b Bucket, ref string) (io.ReadSeekCloser, string, error) {
	if !validRef(b, ref) {
		return nil, "", notFound("file")
	}
	f, err := os.Open(filepath.Join(s.dir, string(b), ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", notFound("file")
	}
	if err != nil {
		return nil, "", unavailable("open file", err)
	}
	return f, contentTypeByExt(filepath.Ext(ref)), nil
}

func (s *DiskFileStore) Delete(_ context.Context, b Bucket, ref string) error {
	if !validRef(b, ref) {
		return notFound("file")
	}
	err := os.Remove(filepath.Join(s.dir, string(b), ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("delete file", err)
	}
	return nil
}

// validRef accepts only names this store generated, which rules out path traversal.
func validRef(b Bucket, ref string) bool {
	ext := filepath.Ext(ref)
	if !allowedExt[b][ext] {
		return false
	}
	_, err := uuid.Parse(strings.TrimSuffix(ref, ext))
	return err == nil
}

func sanitizeFilename(filename string) string {
	clean := filepath.Base(filepath.Clean(filename))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed"
	}
	return clean
}

func contentTypeByExt(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
