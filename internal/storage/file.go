package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/transfer"
	logx "pubsched/pkg/logx"
)

// fileStore keeps everything in memory and, unless it is a memory store, journals each write.
//
// Files:
//   - <prefix>.snapshot.json  (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal, replayed over the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	snapshotPath string
	journal      *os.File // nil for memory stores
	compactEvery int
	writes       int

	state fileState
}

type fileState struct {
	Jobs      map[string]jobs.Job          `json:"jobs"`
	Templates map[string]schedule.Template `json:"templates"`
	Sessions  map[string]transfer.Record   `json:"sessions"`
	Dedup     map[string]int64             `json:"dedup"` // unix milli
}

const (
	opPutJob         = "put_job"
	opDelJob         = "del_job"
	opPutTemplate    = "put_template"
	opDelTemplate    = "del_template"
	opPutSession     = "put_session"
	opDelSession     = "del_session"
	opDelJobSessions = "del_job_sessions"
	opPutDedup       = "put_dedup"
)

type journalRecord struct {
	Op       string             `json:"op"`
	Key      string             `json:"key,omitempty"`
	Job      *jobs.Job          `json:"job,omitempty"`
	Template *schedule.Template `json:"template,omitempty"`
	Session  *transfer.Record   `json:"session,omitempty"`
	Until    int64              `json:"until,omitempty"`
}

func newState() fileState {
	return fileState{
		Jobs:      map[string]jobs.Job{},
		Templates: map[string]schedule.Template{},
		Sessions:  map[string]transfer.Record{},
		Dedup:     map[string]int64{},
	}
}

func newMemory(log logx.Logger) *fileStore {
	return &fileStore{log: log, state: newState()}
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal had undecodable lines", logx.Int("skipped", skipped))
	}
	pruneExpiredDedup(st.Dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// commitLocked journals r and then applies it to memory.
func (s *fileStore) commitLocked(op string, r journalRecord) error {
	if s.closed {
		return wrap(op, ErrClosed)
	}
	if s.journal != nil {
		b, err := json.Marshal(r)
		if err != nil {
			return wrap(op, err)
		}
		b = append(b, '\n')
		if _, err := s.journal.Write(b); err != nil {
			return wrap(op, err)
		}
		if err := s.journal.Sync(); err != nil {
			return wrap(op, err)
		}
	}
	s.state.apply(r)

	if s.journal != nil {
		s.writes++
		if s.writes%s.compactEvery == 0 {
			if err := s.compactLocked(); err != nil {
				s.log.Debug("compact failed", logx.Err(err))
			}
		}
	}
	return nil
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case opPutJob:
		if r.Job != nil {
			st.Jobs[r.Job.ID] = *r.Job
		}
	case opDelJob:
		delete(st.Jobs, r.Key)
		st.deleteSessions(r.Key)
	case opPutTemplate:
		if r.Template == nil {
			return
		}
		if r.Template.IsDefault {
			for id, t := range st.Templates {
				if id != r.Template.ID && t.IsDefault {
					t.IsDefault = false
					st.Templates[id] = t
				}
			}
		}
		st.Templates[r.Template.ID] = *r.Template
	case opDelTemplate:
		delete(st.Templates, r.Key)
	case opPutSession:
		if r.Session != nil {
			st.Sessions[sessionKey(r.Session.JobID, r.Session.Item)] = *r.Session
		}
	case opDelSession:
		delete(st.Sessions, r.Key)
	case opDelJobSessions:
		st.deleteSessions(r.Key)
	case opPutDedup:
		st.Dedup[r.Key] = r.Until
	}
}

func (st *fileState) deleteSessions(jobID string) {
	prefix := jobID + "#"
	for k := range st.Sessions {
		if strings.HasPrefix(k, prefix) {
			delete(st.Sessions, k)
		}
	}
}

func sessionKey(jobID string, item int) string {
	return jobID + "#" + strconv.Itoa(item)
}

// --- jobs ---

func (s *fileStore) UpsertJob(_ context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("upsert_job", journalRecord{Op: opPutJob, Job: &j})
}

func (s *fileStore) GetJob(_ context.Context, id string) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.state.Jobs[id]
	return j, ok, nil
}

func (s *fileStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[id]; !ok {
		return nil
	}
	return s.commitLocked("delete_job", journalRecord{Op: opDelJob, Key: id})
}

func (s *fileStore) ListJobs(_ context.Context, f JobFilter) ([]jobs.Job, error) {
	s.mu.Lock()
	out := make([]jobs.Job, 0, len(s.state.Jobs))
	for _, j := range s.state.Jobs {
		if f.match(j) {
			out = append(out, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		da, db := unixMilli(out[a].NextDueAt), unixMilli(out[b].NextDueAt)
		if da != db {
			return da < db
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) PruneJobs(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.state.Jobs {
		if prunable(j, before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for i, id := range ids {
		if err := s.commitLocked("prune_jobs", journalRecord{Op: opDelJob, Key: id}); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// --- templates ---

func (s *fileStore) UpsertTemplate(_ context.Context, t schedule.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("upsert_template", journalRecord{Op: opPutTemplate, Template: &t})
}

func (s *fileStore) GetTemplate(_ context.Context, id string) (schedule.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Templates[id]
	return t, ok, nil
}

func (s *fileStore) DefaultTemplate(_ context.Context) (schedule.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.state.Templates {
		if t.IsDefault {
			return t, true, nil
		}
	}
	return schedule.Template{}, false, nil
}

func (s *fileStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Templates[id]; !ok {
		return nil
	}
	return s.commitLocked("delete_template", journalRecord{Op: opDelTemplate, Key: id})
}

func (s *fileStore) ListTemplates(_ context.Context) ([]schedule.Template, error) {
	s.mu.Lock()
	out := make([]schedule.Template, 0, len(s.state.Templates))
	for _, t := range s.state.Templates {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// --- sessions ---

func (s *fileStore) SaveSession(_ context.Context, rec transfer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("save_session", journalRecord{Op: opPutSession, Session: &rec})
}

func (s *fileStore) LoadSession(_ context.Context, jobID string, item int) (transfer.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Sessions[sessionKey(jobID, item)]
	return rec, ok, nil
}

func (s *fileStore) DeleteSession(_ context.Context, jobID string, item int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey(jobID, item)
	if _, ok := s.state.Sessions[k]; !ok {
		return nil
	}
	return s.commitLocked("delete_session", journalRecord{Op: opDelSession, Key: k})
}

func (s *fileStore) DeleteSessionsForJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("delete_sessions", journalRecord{Op: opDelJobSessions, Key: jobID})
}

// --- dedup ---

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("put_dedup", journalRecord{Op: opPutDedup, Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// --- snapshot + journal ---

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.state.Dedup, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Jobs {
		out.Jobs[k] = v
	}
	for k, v := range st.Templates {
		out.Templates[k] = v
	}
	for k, v := range st.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range st.Dedup {
		out.Dedup[k] = v
	}
	return nil
}

// replayJournal applies every decodable line; a torn last line from a crash is skipped.
func replayJournal(path string, out *fileState) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil || r.Op == "" {
			skipped++
			continue
		}
		out.apply(r)
	}
	return skipped, sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}
