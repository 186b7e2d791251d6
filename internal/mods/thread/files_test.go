package thread

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFileStorePutAndGet(t *testing.T) {
	fs := NewFileStore(1024, 0)
	att, err := fs.Put("alice", "notes.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if att.Size != 5 || att.OwnerID != "alice" {
		t.Errorf("att = %+v", att)
	}
	if !strings.HasPrefix(att.MimeType, "text/plain") {
		t.Errorf("mime = %q", att.MimeType)
	}

	got, err := fs.Get(att.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Data, []byte("hello")) {
		t.Errorf("data = %q", got.Data)
	}

	if _, err := fs.Get("nope"); !errors.Is(err, ErrFileMissing) {
		t.Errorf("err = %v, want ErrFileMissing", err)
	}
}

func TestFileStoreSizeCap(t *testing.T) {
	fs := NewFileStore(8, 0)
	if _, err := fs.Put("alice", "big.bin", make([]byte, 9)); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("err = %v, want ErrFileTooLarge", err)
	}
	if fs.Count() != 0 {
		t.Errorf("count = %d after rejected upload", fs.Count())
	}
}

func TestFileStoreQuotaEvictsOldest(t *testing.T) {
	fs := NewFileStore(16, 24)
	first, err := fs.Put("alice", "a.bin", make([]byte, 10))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := fs.Put("alice", "b.bin", make([]byte, 10))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	// Third upload exceeds the 24 byte cap; the oldest is displaced.
	third, err := fs.Put("alice", "c.bin", make([]byte, 10))
	if err != nil {
		t.Fatalf("third: %v", err)
	}

	if _, err := fs.Get(first.ID); !errors.Is(err, ErrFileMissing) {
		t.Error("oldest attachment should have been evicted")
	}
	for _, id := range []string{second.ID, third.ID} {
		if _, err := fs.Get(id); err != nil {
			t.Errorf("attachment %s missing: %v", id, err)
		}
	}
}

func TestFileStoreQuotaExhausted(t *testing.T) {
	fs := NewFileStore(0, 8)
	if _, err := fs.Put("alice", "big.bin", make([]byte, 9)); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("err = %v, want ErrQuotaExhausted", err)
	}
}

func TestFileStorePurge(t *testing.T) {
	fs := NewFileStore(1024, 0)
	old, err := fs.Put("alice", "old.txt", []byte("old"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	cutoff := time.Now().Add(time.Minute)
	if removed := fs.Purge(cutoff); removed != 1 {
		t.Errorf("purged %d, want 1", removed)
	}
	if _, err := fs.Get(old.ID); !errors.Is(err, ErrFileMissing) {
		t.Error("purged attachment still present")
	}
	if fs.Count() != 0 {
		t.Errorf("count = %d", fs.Count())
	}
}

func TestDetectMimeFallback(t *testing.T) {
	if mt := detectMime("data.json", nil); !strings.Contains(mt, "json") {
		t.Errorf("json mime = %q", mt)
	}
	if mt := detectMime("noext", []byte("plain words")); !strings.HasPrefix(mt, "text/plain") {
		t.Errorf("sniffed mime = %q", mt)
	}
}
