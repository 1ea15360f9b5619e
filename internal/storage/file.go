package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileStore is a local-filesystem reference driver:
// one file per live snapshot, laid out as
// {bucket}/{urlencode(room)}/{urlencode(docid)}/{uuid}. It is sufficient for
// tests and small self-hosted deployments; production drivers target an
// object store with the same method shape.
type FileStore struct {
	mu     sync.Mutex
	bucket string
}

// NewFileStore creates (if needed) and returns a driver rooted at bucket.
func NewFileStore(bucket string) (*FileStore, error) {
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create bucket dir: %w", err)
	}
	return &FileStore{bucket: bucket}, nil
}

func (f *FileStore) dir(room, docid string) string {
	return filepath.Join(f.bucket, url.PathEscape(room), url.PathEscape(docid))
}

func (f *FileStore) PersistDoc(_ context.Context, room, docid string, merged []byte) (Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.dir(room, docid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Reference{}, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	key := uuid.NewString()
	path := filepath.Join(dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, merged, 0o644); err != nil {
		return Reference{}, fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Reference{}, fmt.Errorf("storage: finalize %s: %w", path, err)
	}

	return Reference{Room: room, Docid: docid, Key: key}, nil
}

func (f *FileStore) RetrieveDoc(_ context.Context, room, docid string) (*RetrievedDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.dir(room, docid)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}

	var out *RetrievedDoc
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" || e.Name() == ".quarantine" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage: read %s: %w", e.Name(), err)
		}
		if out == nil {
			out = &RetrievedDoc{}
		}
		out.Merged = append(out.Merged, data...)
		out.References = append(out.References, Reference{Room: room, Docid: docid, Key: e.Name()})
	}
	return out, nil
}

func (f *FileStore) RetrieveStateVector(_ context.Context, _, _ string) ([]byte, error) {
	return nil, nil
}

func (f *FileStore) DeleteReferences(_ context.Context, room, docid string, refs []Reference) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.dir(room, docid)
	var firstErr error
	for _, r := range refs {
		path := filepath.Join(dir, r.Key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("storage: delete %s: %w", path, err)
		}
	}
	return firstErr
}

// WriteQuarantineMarker writes a ".quarantine" companion file alongside the
// room's snapshots. Its presence, not its content, is what matters to
// operators scanning the bucket for rooms that need manual attention; the
// reason is kept only as a debugging aid.
func (f *FileStore) WriteQuarantineMarker(_ context.Context, room, docid, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.dir(room, docid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, ".quarantine")
	if err := os.WriteFile(path, []byte(reason), 0o644); err != nil {
		return fmt.Errorf("storage: write quarantine marker %s: %w", path, err)
	}
	return nil
}

func (f *FileStore) Destroy() error {
	return nil
}
