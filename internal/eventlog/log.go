// Package eventlog implements C1: the append-only canonical history of
// every run's inputs, tool calls, and outputs.
//
// Durability contract: Append returns only after the event is in a form
// that survives a clean process restart (ordered flush is acceptable; a
// per-event fsync is not required). Rotation swaps the active segment
// under an exclusive lock so it never happens mid-append; archived
// segments can be read without locking, the active segment is read under
// a shared lock. Seq is a single, globally monotonic counter across
// rotations.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Config controls segment rotation and archive pruning.
type Config struct {
	Dir          string        // directory holding the active segment and archive/
	MaxBytes     int64         // rotate the active segment once it exceeds this size
	KeepDays     int           // prune archived segments older than this
	KeepMaxFiles int           // prune oldest archives beyond this count
}

// DefaultConfig returns sane defaults: 64MB segments, 30 days, 200 files.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, MaxBytes: 64 << 20, KeepDays: 30, KeepMaxFiles: 200}
}

const activeSegmentName = "active.log"

// Log is the append-only event log. All writes go through Append and hold
// an exclusive lock for the duration of the write and any rotation it
// triggers; reads of the active segment take a shared lock, archived
// segments are immutable and need no lock at all.
type Log struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex // guards activeFile/activeSize/rotation
	activeFile *os.File
	activeSize int64

	seq uint64 // atomic, globally monotonic across rotations
}

// Open opens (creating if necessary) the event log rooted at cfg.Dir,
// recovering the seq counter from the newest record on disk.
func Open(cfg Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig(cfg.Dir).MaxBytes
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dirs: %w", err)
	}

	l := &Log{cfg: cfg, logger: logger.With("component", "eventlog")}

	path := filepath.Join(cfg.Dir, activeSegmentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: stat active segment: %w", err)
	}
	l.activeFile = f
	l.activeSize = info.Size()

	maxSeq, err := recoverMaxSeq(cfg.Dir)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.seq = maxSeq
	return l, nil
}

// recoverMaxSeq scans every segment (archived and active) to recover the
// highest seq seen, so a restart resumes the counter instead of reusing
// seq values already on disk.
func recoverMaxSeq(dir string) (uint64, error) {
	var max uint64
	paths := []string{filepath.Join(dir, activeSegmentName)}
	archiveDir := filepath.Join(dir, "archive")
	entries, _ := os.ReadDir(archiveDir)
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(archiveDir, e.Name()))
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 8<<20)
		for sc.Scan() {
			var ev models.Event
			if err := json.Unmarshal(sc.Bytes(), &ev); err == nil && ev.Seq > max {
				max = ev.Seq
			}
		}
		f.Close()
	}
	return max, nil
}

// Append assigns the next monotonic seq to ev, writes it to the active
// segment, and rotates if the segment now exceeds MaxBytes. It returns
// the assigned seq.
func (l *Log) Append(ev models.Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Assign seq under the write lock so file order always matches seq order.
	ev.Seq = atomic.AddUint64(&l.seq, 1)

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := l.activeFile.Write(line)
	if err != nil {
		return 0, fmt.Errorf("eventlog: write: %w", err)
	}
	if err := l.activeFile.Sync(); err != nil {
		return 0, fmt.Errorf("eventlog: sync: %w", err)
	}
	l.activeSize += int64(n)

	if l.activeSize >= l.cfg.MaxBytes {
		if err := l.rotateLocked(); err != nil {
			l.logger.Error("rotate failed", "error", err)
		}
	}
	return ev.Seq, nil
}

// rotateLocked renames the active segment into the archive directory and
// opens a fresh one. Callers must hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.activeFile.Close(); err != nil {
		return err
	}
	archived := filepath.Join(l.cfg.Dir, "archive", fmt.Sprintf("segment-%s.log", time.Now().UTC().Format("20060102T150405.000000000")))
	activePath := filepath.Join(l.cfg.Dir, activeSegmentName)
	if err := os.Rename(activePath, archived); err != nil {
		return err
	}
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.activeFile = f
	l.activeSize = 0
	l.prune()
	return nil
}

// prune removes archived segments older than KeepDays or beyond
// KeepMaxFiles, oldest first. Best-effort: logs and continues on error.
func (l *Log) prune() {
	archiveDir := filepath.Join(l.cfg.Dir, "archive")
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		return
	}
	type seg struct {
		path string
		mod  time.Time
	}
	segs := make([]seg, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, seg{path: filepath.Join(archiveDir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].mod.Before(segs[j].mod) })

	cutoff := time.Now().AddDate(0, 0, -l.cfg.KeepDays)
	keepFrom := 0
	if l.cfg.KeepMaxFiles > 0 && len(segs) > l.cfg.KeepMaxFiles {
		keepFrom = len(segs) - l.cfg.KeepMaxFiles
	}
	for i, s := range segs {
		tooOld := l.cfg.KeepDays > 0 && s.mod.Before(cutoff)
		tooMany := i < keepFrom
		if tooOld || tooMany {
			if err := os.Remove(s.path); err != nil {
				l.logger.Warn("prune archive segment failed", "path", s.path, "error", err)
			}
		}
	}
}

// CurrentSize returns the size in bytes of the active segment.
func (l *Log) CurrentSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSize
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeFile.Close()
}

// segmentPaths returns archived segment paths (oldest first) followed by
// the active segment path.
func (l *Log) segmentPaths() ([]string, error) {
	archiveDir := filepath.Join(l.cfg.Dir, "archive")
	entries, err := os.ReadDir(archiveDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	paths := make([]string, 0, len(names)+1)
	for _, n := range names {
		paths = append(paths, filepath.Join(archiveDir, n))
	}
	paths = append(paths, filepath.Join(l.cfg.Dir, activeSegmentName))
	return paths, nil
}
