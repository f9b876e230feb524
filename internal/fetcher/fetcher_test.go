package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/quantarax/modeldl/internal/hasher"
)

func TestFetchSuccess(t *testing.T) {
	payload := []byte("chunk bytes here")
	expected := hasher.Bytes(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	slot := filepath.Join(dir, "m1_chunk_0")

	f := New(0)
	res, err := f.Fetch(context.Background(), srv.URL, expected, slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", res.Size, len(payload))
	}
	got, err := os.ReadFile(slot)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("slot contents mismatch")
	}
}

func TestFetchRetriesOnHashMismatchThenSucceeds(t *testing.T) {
	good := []byte("correct bytes")
	bad := []byte("wrong bytes!!")
	expected := hasher.Bytes(good)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.WriteHeader(200)
		if n == 1 {
			w.Write(bad)
		} else {
			w.Write(good)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	slot := filepath.Join(dir, "m1_chunk_0")

	f := New(0)
	var retries []int
	onRetry := func(attempt int, err error) { retries = append(retries, attempt) }
	res, err := f.Fetch(context.Background(), srv.URL, expected, slot, onRetry)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if res.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", res.Attempt)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Fatalf("onRetry calls = %v, want [1]", retries)
	}
}

func TestFetchNonRecoverableStatusNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(404)
	}))
	defer srv.Close()

	dir := t.TempDir()
	slot := filepath.Join(dir, "m1_chunk_0")

	f := New(0)
	var retries []int
	onRetry := func(attempt int, err error) { retries = append(retries, attempt) }
	_, err := f.Fetch(context.Background(), srv.URL, "irrelevant", slot, onRetry)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 404)", calls)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Fatalf("onRetry calls = %v, want [1] (the single non-recoverable attempt still gets reported)", retries)
	}
}

func TestFetchExhaustsRetriesReportingEveryAttempt(t *testing.T) {
	bad := []byte("always wrong")
	expected := hasher.Bytes([]byte("never matches"))

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(200)
		w.Write(bad)
	}))
	defer srv.Close()

	dir := t.TempDir()
	slot := filepath.Join(dir, "m1_chunk_0")

	f := New(0)
	var retries []int
	onRetry := func(attempt int, err error) { retries = append(retries, attempt) }
	_, err := f.Fetch(context.Background(), srv.URL, expected, slot, onRetry)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&calls) != maxAttempts {
		t.Fatalf("calls = %d, want %d", calls, maxAttempts)
	}
	if len(retries) != maxAttempts {
		t.Fatalf("onRetry calls = %v, want one per attempt (%d)", retries, maxAttempts)
	}
}
