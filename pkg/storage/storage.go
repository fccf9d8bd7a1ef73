// Package storage provides unified access to model files on local disk, S3 and
// read-only HTTP(S) URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/storage/s3"
)

// Storage provides a unified interface for reading/writing data.
type Storage interface {
	// Reader returns a reader for the given path and the total size, or -1
	// when unknown.
	Reader(ctx context.Context, path string) (io.ReadCloser, int64, error)

	// Writer returns a writer for the given path. The destination only
	// changes when Close succeeds if the writer also implements Aborter.
	Writer(ctx context.Context, path string) (io.WriteCloser, error)

	// Stat returns file info.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Scheme returns the storage scheme (file, s3, http).
	Scheme() string
}

// Aborter is implemented by writers that can discard everything written so
// far, leaving the destination as it was before Writer was called.
type Aborter interface {
	Abort() error
}

// ErrCommitted is returned by Abort after a successful Close.
var ErrCommitted = errors.New("storage: output already committed")

// Discard aborts w when it supports it, else closes it. It reports whether
// the destination was left untouched.
func Discard(w io.WriteCloser) bool {
	if a, ok := w.(Aborter); ok {
		return a.Abort() == nil
	}
	w.Close()
	return false
}

// FileInfo holds file metadata.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime int64
	IsDir   bool
}

// ParsePath extracts scheme, bucket and key from a URL. Plain paths and
// Windows drive letters report scheme "file".
func ParsePath(path string) (scheme, bucket, key string) {
	u, err := url.Parse(path)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return "file", "", path
	}
	if u.Scheme == "file" {
		return "file", "", u.Path
	}
	return u.Scheme, u.Host, strings.TrimPrefix(u.Path, "/")
}

// ContentType returns the MIME type used when uploading a model file.
func ContentType(path string) string {
	switch f := formatOf(path); f {
	case format.STL:
		return "model/stl"
	case format.OBJ:
		return "model/obj"
	case format.GLTF:
		if format.Ext(path) == "glb" {
			return "model/gltf-binary"
		}
		return "model/gltf+json"
	case format.STEP:
		return "model/step"
	case format.IGES:
		return "model/iges"
	case format.VRML:
		return "model/vrml"
	case format.X3D:
		return "model/x3d+xml"
	case format.ThreeMF:
		return "model/3mf"
	default:
		return "application/octet-stream"
	}
}

func formatOf(path string) format.Format {
	for _, f := range format.All() {
		if f.MatchesPath(path) {
			return f
		}
	}
	return format.Unknown
}

// --- Resolver ---

// Resolver dispatches paths to the storage matching their scheme. It
// implements Storage itself, so callers can pass it wherever a single backend
// is expected.
type Resolver struct {
	S3 s3.Config

	local LocalStorage
	http  HTTPStorage

	mu      sync.Mutex
	buckets map[string]*s3Storage
}

// NewResolver creates a resolver using s3cfg for s3:// URLs.
func NewResolver(s3cfg s3.Config) *Resolver {
	return &Resolver{S3: s3cfg, buckets: make(map[string]*s3Storage)}
}

// Open returns the storage for path and the key to use with it.
func (r *Resolver) Open(ctx context.Context, path string) (Storage, string, error) {
	scheme, bucket, key := ParsePath(path)
	switch scheme {
	case "file":
		return &r.local, key, nil
	case "http", "https":
		return &r.http, path, nil
	case "s3":
		st, err := r.bucket(ctx, bucket)
		if err != nil {
			return nil, "", err
		}
		return st, key, nil
	default:
		return nil, "", fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func (r *Resolver) bucket(ctx context.Context, name string) (*s3Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.buckets[name]; ok {
		return st, nil
	}
	client, err := s3.NewClient(ctx, name, r.S3)
	if err != nil {
		return nil, err
	}
	st := &s3Storage{client: client}
	if r.buckets == nil {
		r.buckets = make(map[string]*s3Storage)
	}
	r.buckets[name] = st
	return st, nil
}

func (r *Resolver) Scheme() string { return "mux" }

func (r *Resolver) Reader(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	st, key, err := r.Open(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	return st.Reader(ctx, key)
}

func (r *Resolver) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	st, key, err := r.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return st.Writer(ctx, key)
}

func (r *Resolver) Stat(ctx context.Context, path string) (*FileInfo, error) {
	st, key, err := r.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return st.Stat(ctx, key)
}

// --- Local Storage ---

// LocalStorage handles local file operations.
type LocalStorage struct{}

func (s *LocalStorage) Scheme() string { return "file" }

func (s *LocalStorage) Reader(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}

	return f, info.Size(), nil
}

// Writer writes to a temporary file next to path and renames it over path
// on Close.
func (s *LocalStorage) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &localFile{File: f, path: path}, nil
}

// localFile is an atomic replacement of path.
type localFile struct {
	*os.File
	path      string
	done      bool
	committed bool
}

func (f *localFile) Close() error {
	if f.done {
		return nil
	}
	f.done = true
	tmp := f.File.Name()
	err := f.File.Sync()
	if cerr := f.File.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err == nil {
		err = os.Rename(tmp, f.path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	f.committed = true
	return nil
}

func (f *localFile) Abort() error {
	if f.committed {
		return ErrCommitted
	}
	if f.done {
		return nil
	}
	f.done = true
	f.File.Close()
	return os.Remove(f.File.Name())
}

func (s *LocalStorage) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
		IsDir:   info.IsDir(),
	}, nil
}

// --- HTTP Storage (Read-Only) ---

// HTTPStorage handles HTTP/HTTPS URLs (read-only).
type HTTPStorage struct {
	Client *http.Client
}

func (s *HTTPStorage) Scheme() string { return "http" }

func (s *HTTPStorage) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPStorage) Reader(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

func (s *HTTPStorage) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	return nil, fmt.Errorf("HTTP storage is read-only")
}

func (s *HTTPStorage) Stat(ctx context.Context, path string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return &FileInfo{
		Path: path,
		Size: resp.ContentLength,
	}, nil
}

// --- S3 Storage ---

type s3Storage struct {
	client *s3.Client
}

func (s *s3Storage) Scheme() string { return "s3" }

func (s *s3Storage) Reader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return s.client.Reader(ctx, key)
}

func (s *s3Storage) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	return s.client.Writer(ctx, key, ContentType(key)), nil
}

func (s *s3Storage) Stat(ctx context.Context, key string) (*FileInfo, error) {
	info, err := s.client.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    "s3://" + s.client.Bucket() + "/" + key,
		Size:    info.Size,
		ModTime: info.LastModified.Unix(),
	}, nil
}

// ReadAll reads a whole file through st.
func ReadAll(ctx context.Context, st Storage, path string) ([]byte, error) {
	rc, _, err := st.Reader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
