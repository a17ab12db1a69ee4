package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"threadline/api/internal/blob"
)

type memoryPutter map[string][]byte

func (m memoryPutter) Put(_ context.Context, data []byte) (string, error) {
	id := blob.ID(data)
	m[id] = data
	return id, nil
}

func TestUploadDirStoresFilesByHash(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "b.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := memoryPutter{}
	ids, err := uploadDir(context.Background(), store, dir)
	if err != nil {
		t.Fatalf("uploadDir: %v", err)
	}
	if len(ids) != 2 || len(store) != 1 {
		t.Fatalf("expected two files sharing one blob, got %v (%d blobs)", ids, len(store))
	}
	if ids[filepath.Join(dir, "a.txt")] != blob.ID([]byte("hello")) {
		t.Fatalf("unexpected blob id %v", ids)
	}
}

type failingPutter struct{}

func (failingPutter) Put(context.Context, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

func TestUploadDirReportsFailures(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := uploadDir(context.Background(), failingPutter{}, dir); err == nil {
		t.Fatal("expected the upload error")
	}
}
