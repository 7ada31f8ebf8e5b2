// Package transfertest provides in-memory fakes of the transfer collaborators for tests.
package transfertest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"pubsched/internal/failure"
	"pubsched/internal/transfer"
)

type remoteSession struct {
	token    string
	fp       string
	size     int64
	data     bytes.Buffer
	itemID   string
	finished bool
}

// Endpoint is a fake remote that keeps uploaded bytes in memory.
type Endpoint struct {
	mu       sync.Mutex
	sessions map[string]*remoteSession
	byFP     map[string]string
	seq      int

	// FailChunk, when set, is consulted before each chunk call (1-based call number).
	FailChunk func(call int, offset int64) error
	// FailOpen and FailFinalize are consulted before the respective calls.
	FailOpen     func(call int) error
	FailFinalize func(call int) error
	// AckLimit caps the bytes accepted per chunk call (0 accepts the whole chunk).
	AckLimit int64
	// OnChunk observes every accepted chunk.
	OnChunk func(offset int64, n int)

	Opens, Chunks, Finalizes int
	Tokens                   []string
	SentOffsets              []int64
	// Kinds lists FileMeta.Kind of every open call.
	Kinds []string
}

func NewEndpoint() *Endpoint {
	return &Endpoint{sessions: map[string]*remoteSession{}, byFP: map[string]string{}}
}

func (e *Endpoint) OpenUploadSession(ctx context.Context, accessToken string, meta transfer.FileMeta) (transfer.OpenResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Opens++
	e.Tokens = append(e.Tokens, accessToken)
	e.Kinds = append(e.Kinds, meta.Kind)
	if e.FailOpen != nil {
		if err := e.FailOpen(e.Opens); err != nil {
			return transfer.OpenResult{}, err
		}
	}
	if rs, ok := e.sessions[meta.ResumeToken]; ok && !rs.finished {
		return transfer.OpenResult{Token: rs.token, Offset: int64(rs.data.Len())}, nil
	}
	if tok, ok := e.byFP[meta.Fingerprint]; ok && meta.Fingerprint != "" {
		if rs := e.sessions[tok]; rs != nil && !rs.finished && rs.size == meta.Size {
			return transfer.OpenResult{Token: rs.token, Offset: int64(rs.data.Len())}, nil
		}
	}
	e.seq++
	rs := &remoteSession{token: fmt.Sprintf("sess-%d", e.seq), fp: meta.Fingerprint, size: meta.Size}
	e.sessions[rs.token] = rs
	e.byFP[meta.Fingerprint] = rs.token
	return transfer.OpenResult{Token: rs.token}, nil
}

func (e *Endpoint) SendChunk(ctx context.Context, accessToken, sessionToken string, offset int64, chunk []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Chunks++
	e.Tokens = append(e.Tokens, accessToken)
	if e.FailChunk != nil {
		if err := e.FailChunk(e.Chunks, offset); err != nil {
			return 0, err
		}
	}
	rs, ok := e.sessions[sessionToken]
	if !ok {
		return 0, failure.Rejected("send_chunk", "unknown upload session", 100)
	}
	e.SentOffsets = append(e.SentOffsets, offset)
	have := int64(rs.data.Len())
	if offset != have {
		// The remote only reports what it has; the caller must resend from there.
		return have, nil
	}
	n := int64(len(chunk))
	if e.AckLimit > 0 && n > e.AckLimit {
		n = e.AckLimit
	}
	rs.data.Write(chunk[:n])
	if e.OnChunk != nil {
		e.OnChunk(offset, int(n))
	}
	return int64(rs.data.Len()), nil
}

func (e *Endpoint) Finalize(ctx context.Context, accessToken, sessionToken string, meta transfer.FinalizeMeta) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Finalizes++
	e.Tokens = append(e.Tokens, accessToken)
	if e.FailFinalize != nil {
		if err := e.FailFinalize(e.Finalizes); err != nil {
			return "", err
		}
	}
	rs, ok := e.sessions[sessionToken]
	if !ok {
		return "", failure.Rejected("finalize", "unknown upload session", 100)
	}
	if int64(rs.data.Len()) != rs.size {
		return "", failure.Rejected("finalize", fmt.Sprintf("incomplete upload %d/%d", rs.data.Len(), rs.size), 100)
	}
	if rs.itemID == "" {
		rs.itemID = "item-" + rs.token
	}
	rs.finished = true
	return rs.itemID, nil
}

// Data returns the bytes received by session token.
func (e *Endpoint) Data(token string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.sessions[token]; ok {
		return append([]byte(nil), rs.data.Bytes()...)
	}
	return nil
}

// Store is an in-memory transfer.Store that records every save.
type Store struct {
	mu    sync.Mutex
	recs  map[string]transfer.Record
	Saves []transfer.Record
	// FailSave, when set, is consulted before each save (1-based).
	FailSave func(n int) error
}

func NewStore() *Store { return &Store{recs: map[string]transfer.Record{}} }

func key(jobID string, item int) string { return fmt.Sprintf("%s/%d", jobID, item) }

func (s *Store) SaveSession(ctx context.Context, rec transfer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		if err := s.FailSave(len(s.Saves) + 1); err != nil {
			return err
		}
	}
	s.recs[key(rec.JobID, rec.Item)] = rec
	s.Saves = append(s.Saves, rec)
	return nil
}

func (s *Store) LoadSession(ctx context.Context, jobID string, item int) (transfer.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key(jobID, item)]
	return rec, ok, nil
}

func (s *Store) DeleteSession(ctx context.Context, jobID string, item int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, key(jobID, item))
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Tokens is a static TokenSource with a refresh counter.
type Tokens struct {
	mu        sync.Mutex
	tok       map[string]string
	Refreshes int
	// RefreshErr fails Refresh when set.
	RefreshErr error
}

func NewTokens() *Tokens { return &Tokens{tok: map[string]string{}} }

func (t *Tokens) AccessToken(ctx context.Context, accountID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.tok[accountID]; ok {
		return v, nil
	}
	return "token-" + accountID + "-0", nil
}

func (t *Tokens) Refresh(ctx context.Context, accountID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RefreshErr != nil {
		return "", t.RefreshErr
	}
	t.Refreshes++
	v := fmt.Sprintf("token-%s-%d", accountID, t.Refreshes)
	t.tok[accountID] = v
	return v, nil
}
