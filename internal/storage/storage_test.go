package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func drivers(t *testing.T) map[string]Storage {
	tmp := t.TempDir()

	file, err := NewFileStore(filepath.Join(tmp, "bucket"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { file.Destroy() })

	sq, err := NewSQLiteStore(filepath.Join(tmp, "snapshots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Destroy() })

	return map[string]Storage{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": sq,
	}
}

func TestStorageRetrieveDocNilWhenEmpty(t *testing.T) {
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			got, err := d.RetrieveDoc(ctx, "room1", "index")
			if err != nil {
				t.Fatalf("RetrieveDoc: %v", err)
			}
			if got != nil {
				t.Fatalf("expected nil, got %+v", got)
			}
		})
	}
}

func TestStoragePersistThenRetrieveMerges(t *testing.T) {
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ref1, err := d.PersistDoc(ctx, "room1", "index", []byte("aaa"))
			if err != nil {
				t.Fatalf("PersistDoc: %v", err)
			}
			ref2, err := d.PersistDoc(ctx, "room1", "index", []byte("bbb"))
			if err != nil {
				t.Fatalf("PersistDoc: %v", err)
			}

			got, err := d.RetrieveDoc(ctx, "room1", "index")
			if err != nil {
				t.Fatalf("RetrieveDoc: %v", err)
			}
			if got == nil {
				t.Fatal("expected non-nil RetrievedDoc")
			}
			if len(got.Merged) != 6 {
				t.Fatalf("expected merged length 6, got %d (%q)", len(got.Merged), got.Merged)
			}
			if len(got.References) != 2 {
				t.Fatalf("expected 2 references, got %d", len(got.References))
			}

			if err := d.DeleteReferences(ctx, "room1", "index", []Reference{ref1, ref2}); err != nil {
				t.Fatalf("DeleteReferences: %v", err)
			}

			got, err = d.RetrieveDoc(ctx, "room1", "index")
			if err != nil {
				t.Fatalf("RetrieveDoc after delete: %v", err)
			}
			if got != nil {
				t.Fatalf("expected nil after deleting all references, got %+v", got)
			}
		})
	}
}

func TestStorageDeleteReferencesIsPartial(t *testing.T) {
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ref1, _ := d.PersistDoc(ctx, "room2", "index", []byte("x"))
			ref2, _ := d.PersistDoc(ctx, "room2", "index", []byte("y"))

			if err := d.DeleteReferences(ctx, "room2", "index", []Reference{ref1}); err != nil {
				t.Fatalf("DeleteReferences: %v", err)
			}

			got, err := d.RetrieveDoc(ctx, "room2", "index")
			if err != nil {
				t.Fatalf("RetrieveDoc: %v", err)
			}
			if got == nil || len(got.References) != 1 || got.References[0].Key != ref2.Key {
				t.Fatalf("expected only ref2 to survive, got %+v", got)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("ceph", ""); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", s)
	}
}
