package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/siteforge/steward/pkg/types"
)

type memObject struct {
	data     []byte
	meta     map[string]string
	class    string
	modified time.Time
}

// MemStore keeps objects in memory. It backs the log orchestrator mode
// and the test suites.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	rules   int

	// Err, when set, is returned from every call.
	Err error

	// Now is swappable for tests.
	Now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]memObject),
		Now:     time.Now,
	}
}

func (m *MemStore) Upload(_ context.Context, key string, body io.Reader, opts UploadOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return types.Transient("mem upload "+key, err)
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	m.objects[key] = memObject{
		data:     data,
		meta:     meta,
		class:    opts.StorageClass,
		modified: m.Now(),
	}
	return nil
}

func (m *MemStore) Download(_ context.Context, key string, dst io.Writer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	obj, ok := m.objects[key]
	if !ok {
		return 0, types.Permanent("mem download "+key, types.ErrNotFound)
	}
	n, err := io.Copy(dst, bytes.NewReader(obj.data))
	if err != nil {
		return n, types.Transient("mem download "+key, err)
	}
	return n, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var infos []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Key:          key,
			SizeBytes:    int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemStore) EnsureBucket(context.Context) error { return nil }

func (m *MemStore) ApplyRetentionPolicy(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = 0
	for _, kind := range []types.BackupKind{
		types.BackupDaily, types.BackupWeekly, types.BackupMonthly, types.BackupFinal,
	} {
		if kind.RetentionDays() > 0 {
			m.rules++
		}
	}
	return nil
}

// Object returns the stored bytes and metadata for key.
func (m *MemStore) Object(key string) ([]byte, map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, false
	}
	return append([]byte(nil), obj.data...), obj.meta, true
}

// StorageClassOf returns the storage class recorded for key.
func (m *MemStore) StorageClassOf(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].class
}

// RuleCount returns how many retention rules the last apply installed.
func (m *MemStore) RuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules
}
