package thread

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// File store errors mapped to wire error kinds by the mod.
var (
	ErrFileTooLarge   = errors.New("attachment exceeds max file size")
	ErrQuotaExhausted = errors.New("attachment store quota exhausted")
	ErrFileMissing    = errors.New("attachment not found")
)

// Attachment is one stored upload. Attachments are append-only and retained
// independently of message eviction until purged or displaced by the
// optional retention byte cap.
type Attachment struct {
	ID       string    `json:"attachment_id"`
	FileName string    `json:"file_name"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded_at"`
	OwnerID  string    `json:"owner_id"`

	Data []byte `json:"-"`
}

// FileStore holds attachments in memory. maxSize caps one attachment;
// maxTotal, when positive, caps total bytes by evicting the oldest
// attachments.
type FileStore struct {
	mu       sync.RWMutex
	files    map[string]*Attachment
	order    []string // upload order, oldest first
	total    int64
	maxSize  int64
	maxTotal int64
}

// NewFileStore creates an attachment store with the given caps.
func NewFileStore(maxSize, maxTotal int64) *FileStore {
	return &FileStore{
		files:    map[string]*Attachment{},
		maxSize:  maxSize,
		maxTotal: maxTotal,
	}
}

// Put stores one upload and returns its record.
func (f *FileStore) Put(ownerID, fileName string, data []byte) (*Attachment, error) {
	size := int64(len(data))
	if f.maxSize > 0 && size > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, size, f.maxSize)
	}
	if f.maxTotal > 0 && size > f.maxTotal {
		return nil, fmt.Errorf("%w: %d bytes > store cap %d", ErrQuotaExhausted, size, f.maxTotal)
	}

	att := &Attachment{
		ID:       uuid.NewString(),
		FileName: fileName,
		MimeType: detectMime(fileName, data),
		Size:     size,
		Uploaded: time.Now().UTC(),
		OwnerID:  ownerID,
		Data:     data,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.maxTotal > 0 && f.total+size > f.maxTotal && len(f.order) > 0 {
		oldest := f.order[0]
		f.order = f.order[1:]
		if old, ok := f.files[oldest]; ok {
			f.total -= old.Size
			delete(f.files, oldest)
		}
	}
	f.files[att.ID] = att
	f.order = append(f.order, att.ID)
	f.total += size
	return att, nil
}

// Get returns an attachment by id.
func (f *FileStore) Get(id string) (*Attachment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	att, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFileMissing, id)
	}
	return att, nil
}

// Purge removes attachments uploaded before the cutoff and returns how many
// were dropped.
func (f *FileStore) Purge(before time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.order[:0]
	removed := 0
	for _, id := range f.order {
		att, ok := f.files[id]
		if !ok {
			continue
		}
		if att.Uploaded.Before(before) {
			f.total -= att.Size
			delete(f.files, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	f.order = kept
	return removed
}

// Count returns the number of stored attachments.
func (f *FileStore) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.files)
}

// detectMime resolves a MIME type from the extension, sniffing content as a
// fallback.
func detectMime(fileName string, data []byte) string {
	if mt := mime.TypeByExtension(filepath.Ext(fileName)); mt != "" {
		return mt
	}
	return http.DetectContentType(data)
}
