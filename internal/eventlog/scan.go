package eventlog

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Filter selects which events Scan yields. A nil filter yields everything.
type Filter func(models.Event) bool

// ByRunID returns a Filter matching a single run.
func ByRunID(runID string) Filter {
	return func(e models.Event) bool { return e.RunID == runID }
}

// Iterator walks events across segments in seq order, starting from the
// first event with Seq > fromSeq. Archived segments are read without a
// lock (they are immutable once rotated); the active segment is read
// under the log's shared lock so a concurrent Append cannot interleave a
// torn line into the reader's view.
type Iterator struct {
	log      *Log
	filter   Filter
	fromSeq  uint64
	paths    []string
	pathIdx  int
	scanner  *bufio.Scanner
	file     *os.File
	lockHeld bool
	cur      models.Event
	err      error
}

// Scan returns an Iterator over events with Seq > fromSeq matching filter.
func (l *Log) Scan(fromSeq uint64, filter Filter) (*Iterator, error) {
	paths, err := l.segmentPaths()
	if err != nil {
		return nil, err
	}
	return &Iterator{log: l, filter: filter, fromSeq: fromSeq, paths: paths, pathIdx: -1}, nil
}

// Next advances to the next matching event, returning false when the scan
// is exhausted or an error occurred (check Err).
func (it *Iterator) Next() bool {
	for {
		if it.scanner == nil {
			if !it.openNext() {
				return false
			}
		}
		if !it.scanner.Scan() {
			if err := it.scanner.Err(); err != nil {
				it.err = err
			}
			it.closeCurrent()
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(it.scanner.Bytes(), &ev); err != nil {
			continue // tolerate a torn trailing line from a crash mid-write
		}
		if ev.Seq <= it.fromSeq {
			continue
		}
		if it.filter != nil && !it.filter(ev) {
			continue
		}
		it.cur = ev
		return true
	}
}

func (it *Iterator) openNext() bool {
	it.pathIdx++
	if it.pathIdx >= len(it.paths) {
		return false
	}
	path := it.paths[it.pathIdx]
	isActive := it.pathIdx == len(it.paths)-1
	if isActive {
		it.log.mu.RLock()
		it.lockHeld = true
	}
	f, err := os.Open(path)
	if err != nil {
		if it.lockHeld {
			it.log.mu.RUnlock()
			it.lockHeld = false
		}
		return it.openNext()
	}
	it.file = f
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	it.scanner = sc
	return true
}

func (it *Iterator) closeCurrent() {
	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
	if it.lockHeld {
		it.log.mu.RUnlock()
		it.lockHeld = false
	}
	it.scanner = nil
}

// Event returns the event the last successful Next() advanced to.
func (it *Iterator) Event() models.Event { return it.cur }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases any held file handle and read lock. Safe to call after
// Next returns false, and idempotent.
func (it *Iterator) Close() {
	it.closeCurrent()
}

// ScanAll is a convenience for small result sets (e.g. replay-from-seq
// for one run) that drains an Iterator into a slice.
func (l *Log) ScanAll(fromSeq uint64, filter Filter) ([]models.Event, error) {
	it, err := l.Scan(fromSeq, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []models.Event
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}
