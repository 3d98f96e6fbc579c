// Package jobstore is the durable Worker Job Store (spec §4.H): one
// directory per job holding its task description, config, status, and
// optional summary/questions/decisions/result/artifacts. Single-process
// safe; no multi-writer guarantees are made.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a Worker Job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("jobstore: job not found")

// Meta is a Worker Job's metadata record.
type Meta struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store persists worker jobs under a root directory.
type Store struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: create root: %w", err)
	}
	return &Store{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

// CreateJob writes task.md, config.json, an initial running meta.json, an
// empty status.md, and an empty artifacts/ directory, returning the new
// job's id.
func (s *Store) CreateJob(description, task string, config map[string]any) (string, error) {
	id := uuid.NewString()

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(id)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return "", fmt.Errorf("jobstore: create job dir: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), configData, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "task.md"), []byte(task), 0o644); err != nil {
		return "", err
	}
	if err := touchFile(filepath.Join(dir, "status.md")); err != nil {
		return "", err
	}

	meta := Meta{
		ID:          id,
		Description: description,
		Status:      StatusRunning,
		CreatedAt:   s.now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) readMeta(id string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// GetMeta returns a job's metadata.
func (s *Store) GetMeta(id string) (Meta, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.readMeta(id)
}

// List returns metadata for every job, in no particular order.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// UpdateStatus transitions a job's status. Setting any terminal status
// auto-stamps completedAt if it was not already supplied.
func (s *Store) UpdateStatus(id string, status Status, completedAt *time.Time) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}
	meta.Status = status
	if status.terminal() {
		if completedAt != nil {
			meta.CompletedAt = completedAt
		} else if meta.CompletedAt == nil {
			now := s.now().UTC()
			meta.CompletedAt = &now
		}
	}
	return writeJSONAtomic(filepath.Join(s.dir(id), "meta.json"), meta)
}

// WriteResult writes result.md and transitions the job to completed.
func (s *Store) WriteResult(id, content string) error {
	lock := s.lockFor(id)
	lock.Lock()
	if err := os.WriteFile(filepath.Join(s.dir(id), "result.md"), []byte(content), 0o644); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()
	return s.UpdateStatus(id, StatusCompleted, nil)
}

// SetFailed records an error message and transitions the job to failed.
func (s *Store) SetFailed(id, errMsg string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}
	meta.Status = StatusFailed
	meta.Error = errMsg
	if meta.CompletedAt == nil {
		now := s.now().UTC()
		meta.CompletedAt = &now
	}
	return writeJSONAtomic(filepath.Join(s.dir(id), "meta.json"), meta)
}

// ReadResult returns result.md's content, or nil if the job has none.
func (s *Store) ReadResult(id string) (*string, error) {
	return s.readOptionalFile(id, "result.md")
}

// ReadSummary returns status.md's content, or nil while the file is empty
// (as CreateJob leaves it). Any non-empty content is returned verbatim. A
// file that was written with empty content reads as nil too, the same as
// one never written. A job whose status.md is missing yields ErrNotFound.
func (s *Store) ReadSummary(id string) (*string, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir(id), "status.md")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	return &content, nil
}

func (s *Store) readOptionalFile(id, name string) (*string, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir(id), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	content := string(data)
	return &content, nil
}

// AppendQuestion appends one line to questions.md.
func (s *Store) AppendQuestion(id, question string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.dir(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir(id), "questions.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(question + "\n")
	return err
}

// ReadQuestions returns questions.md split into lines, or nil if absent.
func (s *Store) ReadQuestions(id string) ([]string, error) {
	content, err := s.readOptionalFile(id, "questions.md")
	if err != nil || content == nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(*content, "\n"), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// AppendDecision reads decisions.json (defaulting to an empty array),
// appends decision, and writes it back.
func (s *Store) AppendDecision(id string, decision any) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir(id), "decisions.json")
	var decisions []json.RawMessage
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &decisions); err != nil {
			return fmt.Errorf("jobstore: corrupt decisions.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	encoded, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	decisions = append(decisions, encoded)
	return writeJSONAtomic(path, decisions)
}

// ReadDecisions returns decisions.json's array, or nil if absent.
func (s *Store) ReadDecisions(id string) ([]json.RawMessage, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir(id), "decisions.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var decisions []json.RawMessage
	if err := json.Unmarshal(data, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// DeleteJob removes a job's directory unconditionally.
func (s *Store) DeleteJob(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.dir(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.RemoveAll(s.dir(id))
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
