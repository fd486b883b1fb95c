package auditstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/UAPK/gateway-core/internal/audit"
)

// FileStore persists each (org_id, uapk_id) chain as its own append-only
// JSONL file under dir, one record per line in canonical field order, per
// spec §6 "Interaction record on disk". A per-key mutex serializes appends
// so the conflict check against the on-disk tail and the write that
// follows it are atomic from the caller's point of view.
type FileStore struct {
	dir string

	mu        sync.Mutex
	keyLocks  map[Key]*sync.Mutex
}

// NewFileStore opens (creating if necessary) a JSONL audit store rooted at
// dir, one file per (org_id, uapk_id) pair.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auditstore: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, keyLocks: make(map[Key]*sync.Mutex)}, nil
}

func (s *FileStore) pathFor(key Key) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s__%s.jsonl", key.OrgID, key.UAPKID))
}

func (s *FileStore) lockFor(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *FileStore) readAll(key Key) ([]audit.InteractionRecord, error) {
	f, err := os.Open(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auditstore: open %s: %w", s.pathFor(key), err)
	}
	defer f.Close()

	var out []audit.InteractionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r audit.InteractionRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("auditstore: decode record: %w", err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auditstore: scan %s: %w", s.pathFor(key), err)
	}
	return out, nil
}

// Tail implements Store.
func (s *FileStore) Tail(_ context.Context, key Key) (string, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	recs, err := s.readAll(key)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return audit.ZeroHash, nil
	}
	return recs[len(recs)-1].RecordHash, nil
}

// AppendRecord implements Store. The conflict check and the write happen
// under the same per-key lock so a concurrent appender cannot interleave
// between the read and the write.
func (s *FileStore) AppendRecord(_ context.Context, key Key, record audit.InteractionRecord) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	recs, err := s.readAll(key)
	if err != nil {
		return err
	}
	tail := audit.ZeroHash
	if len(recs) > 0 {
		tail = recs[len(recs)-1].RecordHash
	}
	if record.PreviousRecordHash != tail {
		return ErrConflict
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("auditstore: encode record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.pathFor(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("auditstore: open for append %s: %w", s.pathFor(key), err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("auditstore: append write: %w", err)
	}
	return f.Sync()
}

// ListRecords implements Store.
func (s *FileStore) ListRecords(_ context.Context, key Key, filter *Filter) ([]audit.InteractionRecord, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	recs, err := s.readAll(key)
	if err != nil {
		return nil, err
	}
	out := make([]audit.InteractionRecord, 0, len(recs))
	for _, r := range recs {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
