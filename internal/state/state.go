// Package state persists the RunManifest and per-file FileRecords as a
// single JSON document, following the write-to-temp, fsync,
// atomic-rename discipline used throughout this codebase for crash-safe
// output. Mutations are serialized by an in-process mutex; a
// cooperative lock file guards against two runs targeting the same
// output root concurrently. Readers never see a live mutable reference:
// Snapshot returns a deep copy.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jpequegn/metamaprun/internal/csvwriter"
	"github.com/jpequegn/metamaprun/internal/errkind"
	"github.com/jpequegn/metamaprun/internal/pathkey"
)

const (
	schemaVersion = 1
	stateFileName = ".state.json"
	lockFileName  = ".state.lock"
	// StaleLockAge is how old a lock file must be before a new run
	// reclaims it instead of failing with a lock-conflict error.
	StaleLockAge = 24 * time.Hour
)

// Status is a FileRecord's lifecycle stage.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// FileRecord is the persisted per-file status row, keyed by absolute path.
type FileRecord struct {
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Concepts      *int       `json:"concepts,omitempty"`
	Seconds       *float64   `json:"seconds,omitempty"`
}

// Totals is the manifest's aggregate counters.
type Totals struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// Manifest is the run-level metadata persisted alongside FileRecords.
type Manifest struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	PoolSize  int       `json:"pool_size"`
	Totals    Totals    `json:"totals"`
}

// document is the on-disk shape of the state file.
type document struct {
	Schema   int                    `json:"schema"`
	RunID    string                 `json:"run_id"`
	Manifest Manifest               `json:"manifest"`
	Files    map[string]*FileRecord `json:"files"`
}

// Snapshot is an immutable view returned to callers; mutating it has no
// effect on the Manager's internal state.
type Snapshot struct {
	RunID    string
	Manifest Manifest
	Files    map[string]FileRecord
}

// Manager owns the RunManifest and FileRecord persistence for one
// output root.
type Manager struct {
	fs         afero.Fs
	outputRoot string
	statePath  string
	lockPath   string

	mu  sync.Mutex
	doc document
}

// ErrLockHeld is returned by AcquireLock when another run currently owns
// the output root's lock file.
var ErrLockHeld = fmt.Errorf("state: output root is locked by another run")

// Open loads (or initializes) the state document at outputRoot. It does
// not take the cooperative lock; call AcquireLock separately so callers
// can distinguish "lock conflict" from other startup errors.
func Open(fs afero.Fs, outputRoot, runID string) (*Manager, error) {
	m := &Manager{
		fs:         fs,
		outputRoot: outputRoot,
		statePath:  filepath.Join(outputRoot, stateFileName),
		lockPath:   filepath.Join(outputRoot, lockFileName),
	}

	if err := fs.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("state: create output root: %w", err)
	}

	doc, err := readDocument(fs, m.statePath)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		now := time.Now()
		doc = &document{
			Schema: schemaVersion,
			RunID:  runID,
			Manifest: Manifest{
				CreatedAt: now,
				UpdatedAt: now,
			},
			Files: make(map[string]*FileRecord),
		}
	}
	m.doc = *doc
	if m.doc.Files == nil {
		m.doc.Files = make(map[string]*FileRecord)
	}

	return m, nil
}

// readDocument tolerates a missing file by returning (nil, nil); any
// other I/O or decode error is surfaced. A structurally invalid document
// never comes back half-decoded: json.Unmarshal either fully populates
// doc or returns an error and leaves it untouched.
func readDocument(fs afero.Fs, path string) (*document, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}
	return &doc, nil
}

// AcquireLock creates the cooperative lock file, reclaiming it if it is
// older than StaleLockAge. Returns ErrLockHeld if a live lock is held by
// another run.
func (m *Manager) AcquireLock(pid int) error {
	info, err := m.fs.Stat(m.lockPath)
	if err == nil {
		if time.Since(info.ModTime()) < StaleLockAge {
			return ErrLockHeld
		}
		_ = m.fs.Remove(m.lockPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("state: stat lock file: %w", err)
	}

	payload := fmt.Sprintf("{\"pid\":%d,\"started_at\":%q}\n", pid, time.Now().Format(time.RFC3339))
	if err := afero.WriteFile(m.fs, m.lockPath, []byte(payload), 0o644); err != nil {
		return fmt.Errorf("state: write lock file: %w", err)
	}
	return nil
}

// ReleaseLock removes the cooperative lock file.
func (m *Manager) ReleaseLock() {
	_ = m.fs.Remove(m.lockPath)
}

// normalize resolves path to the canonical form every FileRecord is
// keyed by, so a symlink or case alias of an already-tracked file never
// opens a second record for it.
func (m *Manager) normalize(path string) string {
	return pathkey.Normalize(m.fs, path)
}

// MarkInProgress records that path is being attempted for the given
// attempt number.
func (m *Manager) MarkInProgress(path string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec := m.recordLocked(m.normalize(path))
	rec.Status = InProgress
	rec.Attempts = attempt
	rec.LastAttemptAt = &now

	return m.persistLocked()
}

// MarkCompleted records a successful outcome. A second call with the
// same arguments after a first successful call is a no-op.
func (m *Manager) MarkCompleted(path string, conceptsCount int, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.recordLocked(m.normalize(path))
	if rec.Status == Completed && rec.Concepts != nil && *rec.Concepts == conceptsCount {
		return nil
	}

	now := time.Now()
	rec.Status = Completed
	rec.Concepts = &conceptsCount
	rec.Seconds = &seconds
	rec.LastAttemptAt = &now
	rec.LastError = ""
	rec.LastErrorKind = ""

	m.doc.Manifest.Totals.Completed++

	return m.persistLocked()
}

// MarkFailed records a terminal failure for path with the given kind and text.
func (m *Manager) MarkFailed(path string, kind errkind.Kind, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec := m.recordLocked(m.normalize(path))
	rec.Status = Failed
	rec.LastErrorKind = kind.String()
	rec.LastError = errText
	rec.LastAttemptAt = &now

	m.doc.Manifest.Totals.Failed++

	return m.persistLocked()
}

// RecordRetry increments the retried counter without changing the
// record's status; used by the coordinator when it schedules another
// attempt after a retriable failure.
func (m *Manager) RecordRetry(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.doc.Manifest.Totals.Retried++
	return m.persistLocked()
}

// IsCompleted reports whether path's record is completed AND its output
// CSV exists with a terminal marker. Combined, these are the completion
// proof: if the filesystem check fails, the caller should treat the
// file as not completed (and, per ResetInProgressToPending-adjacent
// logic, the record is demoted on the next resume pass).
func (m *Manager) IsCompleted(path, csvPath string, csvFs afero.Fs) bool {
	m.mu.Lock()
	rec, ok := m.doc.Files[m.normalize(path)]
	m.mu.Unlock()

	if !ok || rec.Status != Completed {
		return false
	}
	return csvwriter.IsComplete(csvFs, csvPath)
}

// ResetInProgressToPending reverts every in_progress record to pending.
// Called at startup to recover from an unclean shutdown. It additionally
// demotes any record claimed completed whose CSV fails the
// completion-marker check, using csvPathFor to locate each file's CSV.
func (m *Manager) ResetInProgressToPending(csvFs afero.Fs, csvPathFor func(path string) string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, rec := range m.doc.Files {
		switch rec.Status {
		case InProgress:
			rec.Status = Pending
			rec.LastAttemptAt = nil
		case Completed:
			if !csvwriter.IsComplete(csvFs, csvPathFor(path)) {
				rec.Status = Pending
				rec.Concepts = nil
				rec.Seconds = nil
				if m.doc.Manifest.Totals.Completed > 0 {
					m.doc.Manifest.Totals.Completed--
				}
			}
		}
	}

	return m.persistLocked()
}

// ResetFailedToPending re-queues every failed FileRecord, resetting its
// attempt counter, for the retry_failed_only batch mode.
func (m *Manager) ResetFailedToPending() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reset []string
	for path, rec := range m.doc.Files {
		if rec.Status == Failed {
			rec.Status = Pending
			rec.Attempts = 0
			rec.LastError = ""
			rec.LastErrorKind = ""
			reset = append(reset, path)
		}
	}

	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return reset, nil
}

// Snapshot returns a deep copy of the manifest and file records; callers
// never receive a live mutable reference into the Manager's state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make(map[string]FileRecord, len(m.doc.Files))
	for path, rec := range m.doc.Files {
		files[path] = *rec
	}

	return Snapshot{
		RunID:    m.doc.RunID,
		Manifest: m.doc.Manifest,
		Files:    files,
	}
}

// SetPoolSize records the effective pool size in the manifest.
func (m *Manager) SetPoolSize(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Manifest.PoolSize = n
	return m.persistLocked()
}

func (m *Manager) recordLocked(path string) *FileRecord {
	rec, ok := m.doc.Files[path]
	if !ok {
		rec = &FileRecord{Status: Pending}
		m.doc.Files[path] = rec
	}
	return rec
}

// persistLocked writes the document to a sibling temp file, fsyncs it,
// and atomically renames it into place. Callers must hold m.mu.
func (m *Manager) persistLocked() error {
	m.doc.Manifest.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal document: %w", err)
	}

	dir := filepath.Dir(m.statePath)
	tmp, err := afero.TempFile(m.fs, dir, ".state-tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := m.fs.Rename(tmpName, m.statePath); err != nil {
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("state: rename into place: %w", err)
	}

	return nil
}
