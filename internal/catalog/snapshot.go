package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// SnapshotVersion — текущая версия формата сохраненного каталога
const SnapshotVersion = 1

// Snapshot — сохраняемое состояние каталога user-agent'ов.
type Snapshot struct {
	Version    int       `json:"version"`
	Expiry     time.Time `json:"expiry"`
	UserAgents []string  `json:"user_agents"`
}

// Expired — пора ли обновлять каталог
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// Hash — отпечаток user-agent'а. Сравниваем хэши, а не строки,
// чтобы формат хранения каталога можно было менять без поломки дедупликации.
func Hash(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])
}

// Store — персистентность каталога.
type Store interface {
	// LoadCatalog возвращает (nil, nil), если сохраненного каталога еще нет
	LoadCatalog(ctx context.Context) (*Snapshot, error)
	SaveCatalog(ctx context.Context, s *Snapshot) error
}

// FileStore хранит каталог в JSON-файле. Запись атомарная (temp + rename),
// поэтому падение процесса посреди записи не оставит битый файл.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) LoadCatalog(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: read %s: %w", s.path, err)
	}
	return decodeSnapshot(data)
}

func (s *FileStore) SaveCatalog(ctx context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("catalog: init directory %s: %w", dir, err)
		}
	}
	if err := atomicwriter.WriteFile(s.path, data, s.mode()); err != nil {
		return fmt.Errorf("catalog: write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) mode() os.FileMode {
	if st, err := os.Stat(s.path); err == nil {
		return st.Mode().Perm()
	}
	return defaultMode
}

const defaultMode os.FileMode = 0o640

// encodeSnapshot — детерминированная сериализация: Load -> Save дает тот же файл байт в байт.
func encodeSnapshot(s *Snapshot) ([]byte, error) {
	out := Snapshot{
		Version:    s.Version,
		Expiry:     s.Expiry,
		UserAgents: s.UserAgents,
	}
	if out.Version == 0 {
		out.Version = SnapshotVersion
	}
	if out.UserAgents == nil {
		out.UserAgents = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("catalog: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("catalog: decode snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("catalog: snapshot version %d is newer than supported %d", s.Version, SnapshotVersion)
	}
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	return &s, nil
}
