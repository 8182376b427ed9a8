// Package ledger persists the position ledger as a JSON document on local
// disk with a backup taken before every write.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

const defaultMaxBackups = 20

// Option configures a FileStore.
type Option func(*FileStore)

// WithMaxBackups bounds the number of local backup files kept next to the
// ledger. Zero or negative keeps every backup.
func WithMaxBackups(n int) Option {
	return func(s *FileStore) { s.maxBackups = n }
}

// WithMirror copies every backup to object storage under prefix.
func WithMirror(w domain.BlobWriter, prefix string) Option {
	return func(s *FileStore) {
		s.mirror = w
		s.mirrorPrefix = strings.Trim(prefix, "/")
	}
}

// WithClock overrides time.Now, used for backup names.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// FileStore is the single owner of the ledger file. All reads and writes in
// this process go through its mutex; other processes writing the same file
// are not coordinated with.
type FileStore struct {
	path         string
	maxBackups   int
	mirror       domain.BlobWriter
	mirrorPrefix string
	now          func() time.Time
	logger       *slog.Logger

	mu sync.Mutex
	// pending holds a snapshot whose write failed. It is served by Load and
	// flushed on the next successful save.
	pending *domain.Snapshot
}

// NewFileStore creates a store for the ledger at path.
func NewFileStore(path string, logger *slog.Logger, opts ...Option) *FileStore {
	s := &FileStore{
		path:       path,
		maxBackups: defaultMaxBackups,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the ledger file location.
func (s *FileStore) Path() string { return s.path }

// Load returns the current snapshot. A missing file yields an empty
// snapshot. Legacy encodings are migrated in memory and rewritten on the
// next save.
func (s *FileStore) Load(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Save backs up the current file and atomically replaces it with snap.
// Failures are logged and kept pending; Save never fails the caller.
func (s *FileStore) Save(ctx context.Context, snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(ctx, snap)
}

// Update runs fn against the freshest snapshot under the store lock and
// saves the result. If fn returns an error nothing is written and the error
// is returned.
func (s *FileStore) Update(ctx context.Context, fn func(*domain.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if err := fn(&snap); err != nil {
		return err
	}
	s.saveLocked(ctx, snap)
	return nil
}

// Restore replaces the ledger with a previously saved document, in either
// encoding. The current file is backed up first like any other save.
func (s *FileStore) Restore(ctx context.Context, data []byte) (domain.Snapshot, error) {
	snap, _, err := decode(data)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("ledger: restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("ledger: restore: %w", err)
	}
	s.pending = nil
	return snap, nil
}

func (s *FileStore) loadLocked(ctx context.Context) (domain.Snapshot, error) {
	if s.pending != nil {
		snap := s.pending.Clone()
		if s.write(ctx, snap) == nil {
			s.pending = nil
		}
		return snap, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Snapshot{}, nil
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("ledger: read %s: %w", s.path, err)
	}

	snap, legacy, err := decode(data)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if legacy {
		s.logger.Info("ledger: migrated legacy encoding",
			slog.Int("open", len(snap.Open)),
			slog.Int("closed", len(snap.Closed)),
		)
	}
	return snap, nil
}

func (s *FileStore) saveLocked(ctx context.Context, snap domain.Snapshot) {
	if err := s.write(ctx, snap); err != nil {
		s.logger.Error("ledger: save failed, keeping snapshot in memory",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		c := snap.Clone()
		s.pending = &c
		return
	}
	s.pending = nil
}

func (s *FileStore) write(ctx context.Context, snap domain.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}

	if err := s.backup(ctx); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("ledger: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}

// backup copies the existing ledger to <path>.backup.<unix>, adding -<n>
// when that second already has a backup. A missing ledger needs no backup.
func (s *FileStore) backup(ctx context.Context) error {
	current, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read for backup: %w", err)
	}

	name, err := s.freeBackupName(s.path + backupSuffix(s.now()))
	if err != nil {
		return err
	}
	if err := os.WriteFile(name, current, 0o644); err != nil {
		return fmt.Errorf("ledger: write backup: %w", err)
	}

	if s.mirror != nil {
		key := filepath.Base(name)
		if s.mirrorPrefix != "" {
			key = s.mirrorPrefix + "/" + key
		}
		if err := s.mirror.Put(ctx, key, bytes.NewReader(current), "application/json"); err != nil {
			s.logger.Warn("ledger: backup mirror failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	s.prune()
	return nil
}

func (s *FileStore) freeBackupName(base string) (string, error) {
	name := base
	for seq := 1; ; seq++ {
		_, err := os.Stat(name)
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("ledger: stat backup: %w", err)
		}
		name = base + "-" + strconv.Itoa(seq)
	}
}

// backupOrder parses the <unix>[-<n>] tail of a backup name.
func backupOrder(name string) (ts int64, seq int, ok bool) {
	i := strings.LastIndex(name, ".backup.")
	if i < 0 {
		return 0, 0, false
	}
	stamp, n, hasSeq := strings.Cut(name[i+len(".backup."):], "-")
	ts, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if hasSeq {
		if seq, err = strconv.Atoi(n); err != nil {
			return 0, 0, false
		}
	}
	return ts, seq, true
}

// Backups lists local backup files, oldest first.
func (s *FileStore) Backups() ([]string, error) {
	pattern := s.path + ".backup.*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ledger: list backups: %w", err)
	}
	type entry struct {
		name string
		ts   int64
		seq  int
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		ts, seq, ok := backupOrder(m)
		if !ok {
			continue
		}
		entries = append(entries, entry{name: m, ts: ts, seq: seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out, nil
}

func (s *FileStore) prune() {
	if s.maxBackups <= 0 {
		return
	}
	backups, err := s.Backups()
	if err != nil {
		s.logger.Warn("ledger: list backups failed", slog.String("error", err.Error()))
		return
	}
	for len(backups) > s.maxBackups {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ledger: prune backup failed",
				slog.String("file", backups[0]),
				slog.String("error", err.Error()),
			)
		}
		backups = backups[1:]
	}
}
