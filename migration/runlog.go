package migration

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Category classifies run-log events for the end-of-run summary.
type Category string

const (
	CategoryValidationFailure     Category = "ValidationFailure"
	CategoryBackupFailure         Category = "BackupFailure"
	CategoryProcessControlFailure Category = "ProcessControlFailure"
	CategoryIntegrityFailure      Category = "IntegrityFailure"
	CategoryCatastrophicFailure   Category = "CatastrophicFailure"
)

// RunLog is the audit trail for one orchestrator run: a structured logger
// writing to both the console and a persisted per-run log file, plus
// per-category counters and a short tail kept for the status surface.
type RunLog struct {
	Logger zerolog.Logger

	file *os.File
	tail *tailBuffer

	mu     sync.Mutex
	counts map[Category]int
}

// NewRunLog creates the run's log file under dir and returns the log.
// With an empty dir the log writes to the console only (test replay).
func NewRunLog(dir, runID string, console io.Writer) (*RunLog, error) {
	l := &RunLog{
		tail:   newTailBuffer(200),
		counts: make(map[Category]int),
	}

	writers := []io.Writer{l.tail}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"})
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.Create(filepath.Join(dir, "migration-"+runID+".log"))
		if err != nil {
			return nil, fmt.Errorf("failed to create run log: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Str("run", runID).Logger()
	return l, nil
}

// Record counts one event of the given category.
func (l *RunLog) Record(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[cat]++
}

// Count returns how many events of a category were recorded.
func (l *RunLog) Count(cat Category) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[cat]
}

// Merge folds another run log's counters into this one. Used by the test
// replay so the parent run's summary reflects what the replay saw.
func (l *RunLog) Merge(other *RunLog) {
	other.mu.Lock()
	counts := make(map[Category]int, len(other.counts))
	for cat, n := range other.counts {
		counts[cat] = n
	}
	other.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for cat, n := range counts {
		l.counts[cat] += n
	}
}

// Tail returns the most recent log lines, oldest first.
func (l *RunLog) Tail() []string {
	return l.tail.Lines()
}

// Summary renders the operator-facing end-of-run report.
func (l *RunLog) Summary(state State, migrated, skipped int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "final state: %s\n", state)
	fmt.Fprintf(&b, "rows migrated: %d, rows skipped: %d\n", migrated, skipped)

	any := false
	for _, cat := range []Category{
		CategoryValidationFailure,
		CategoryBackupFailure,
		CategoryProcessControlFailure,
		CategoryIntegrityFailure,
		CategoryCatastrophicFailure,
	} {
		if n := l.counts[cat]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", cat, n)
			any = true
		}
	}
	if !any {
		b.WriteString("no failures recorded\n")
	}
	return b.String()
}

// Close flushes and closes the persisted log file.
func (l *RunLog) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// tailBuffer keeps the last n log lines for the status surface.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
	}
	return len(p), nil
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
