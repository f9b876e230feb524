package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/modeldl/internal/domain"
)

func writeArtifact(t *testing.T, root, modelID string, date time.Time) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, modelID), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	md := domain.ArtifactMetadata{
		ModelName:    modelID + "-name",
		ModelID:      modelID,
		Version:      "1.0",
		Hash:         "deadbeef",
		DownloadDate: date,
	}
	b, err := json.Marshal(md)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, modelID+metadataSuffix), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListAllOrdersByDateDescending(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "older", time.Now().Add(-time.Hour))
	writeArtifact(t, root, "newer", time.Now())

	c := New(root, nil)
	artifacts, err := c.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(artifacts))
	}
	if artifacts[0].Metadata.ModelID != "newer" {
		t.Fatalf("expected newer first, got %s", artifacts[0].Metadata.ModelID)
	}
}

func TestFindByIDMissing(t *testing.T) {
	c := New(t.TempDir(), nil)
	res, err := c.FindByID("nope")
	if err != nil {
		t.Fatal(err)
	}
	if res.Exists {
		t.Fatal("expected Exists=false")
	}
}

func TestFindByName(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "m1", time.Now())
	c := New(root, nil)
	res, err := c.FindByName("m1-name")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exists || res.Metadata.ModelID != "m1" {
		t.Fatalf("expected to find m1, got %+v", res)
	}
	missing, err := c.FindByName("does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if missing.Exists {
		t.Fatal("expected Exists=false for unknown name")
	}
}
