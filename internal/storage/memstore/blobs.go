package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/maneesh/edushare/internal/models"
)

// Blobs is an in-memory object store serving both staged parts and artifacts.
// The Fail hooks let tests inject storage errors.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int

	FailPutPart     func(stagingKey string, index int) error
	FailOpenPart    func(stagingKey string, index int) error
	FailPutArtifact func(key string) error
}

// NewBlobs creates an empty blob store
func NewBlobs() *Blobs {
	return &Blobs{
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
	}
}

func partKey(stagingKey string, index int) string {
	return fmt.Sprintf("%s/%d", stagingKey, index)
}

// PutPart stages one part payload
func (b *Blobs) PutPart(ctx context.Context, stagingKey string, index int, data []byte) error {
	if b.FailPutPart != nil {
		if err := b.FailPutPart(stagingKey, index); err != nil {
			return err
		}
	}
	b.put(partKey(stagingKey, index), append([]byte(nil), data...))
	return nil
}

// OpenPart opens a staged part; models.ErrNotFound when missing
func (b *Blobs) OpenPart(ctx context.Context, stagingKey string, index int) (io.ReadCloser, error) {
	if b.FailOpenPart != nil {
		if err := b.FailOpenPart(stagingKey, index); err != nil {
			return nil, err
		}
	}
	data, ok := b.Get(partKey(stagingKey, index))
	if !ok {
		return nil, fmt.Errorf("%w: part %d not staged", models.ErrNotFound, index)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DiscardStaging drops every part under stagingKey
func (b *Blobs) DiscardStaging(ctx context.Context, stagingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := stagingKey + "/"
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
		}
	}
	return nil
}

// PutArtifact stores an artifact read fully from r
func (b *Blobs) PutArtifact(ctx context.Context, key string, r io.Reader) (int64, error) {
	if b.FailPutArtifact != nil {
		if err := b.FailPutArtifact(key); err != nil {
			return 0, err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.put(key, data)
	return int64(len(data)), nil
}

// OpenArtifact opens an artifact with its size
func (b *Blobs) OpenArtifact(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := b.Get(key)
	if !ok {
		return nil, 0, fmt.Errorf("%w: artifact %s", models.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// RemoveArtifact deletes an artifact; missing keys are ignored
func (b *Blobs) RemoveArtifact(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Blobs) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.puts[key]++
}

// Get returns a copy of the object at key
func (b *Blobs) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys lists stored object keys with the given prefix, sorted
func (b *Blobs) Keys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Puts counts writes to keys with the given prefix
func (b *Blobs) Puts(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, c := range b.puts {
		if strings.HasPrefix(k, prefix) {
			n += c
		}
	}
	return n
}
