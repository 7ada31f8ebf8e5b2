// Package transfer implements the resumable chunked upload of one file to the remote endpoint.
//
// A Session walks New -> SessionOpened -> Transferring -> Finalizing -> Committed, or ends in
// Aborted. The persisted Record's CommittedOffset is the only progress trusted after a restart:
// it is saved after every acknowledged chunk and never decreases within one remote session. When
// the remote hands back a new token on open (the old session expired), the offset restarts at
// whatever the new session reports, which may be lower.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

type State string

const (
	StateNew          State = "new"
	StateOpened       State = "session_opened"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateCommitted    State = "committed"
	StateAborted      State = "aborted"
)

func (s State) Terminal() bool { return s == StateCommitted || s == StateAborted }

var transitions = map[State][]State{
	StateNew:          {StateOpened, StateAborted},
	StateOpened:       {StateTransferring, StateFinalizing, StateAborted},
	StateTransferring: {StateTransferring, StateFinalizing, StateAborted},
	StateFinalizing:   {StateCommitted, StateTransferring, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the persisted form of a session, keyed by (JobID, Item).
type Record struct {
	JobID           string    `json:"job_id"`
	Item            int       `json:"item"`
	AccountID       string    `json:"account_id"`
	Kind            string    `json:"kind,omitempty"`
	Path            string    `json:"path"`
	Fingerprint     string    `json:"fingerprint"`
	TotalBytes      int64     `json:"total_bytes"`
	CommittedOffset int64     `json:"committed_offset"`
	RemoteToken     string    `json:"remote_token,omitempty"`
	ChunkSize       int64     `json:"chunk_size"`
	State           State     `json:"state"`
	RemoteItemID    string    `json:"remote_item_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Resumable reports whether a persisted record can continue an earlier remote session.
func (r Record) Resumable() bool {
	return r.RemoteToken != "" && r.State != StateCommitted
}

// FileMeta describes the file when opening a remote session.
type FileMeta struct {
	AccountID   string
	Path        string
	Name        string
	Size        int64
	Fingerprint string
	Kind        string
	// ResumeToken asks the remote to continue an existing session.
	ResumeToken string
}

// OpenResult is the remote answer to OpenUploadSession. Offset > 0 means the remote resumed an
// existing session for the same fingerprint.
type OpenResult struct {
	Token  string
	Offset int64
}

// FinalizeMeta is passed to the publish call.
type FinalizeMeta struct {
	Kind        string
	Title       string
	Description string
	Watermark   bool
}

// Endpoint is the remote publishing contract. Errors are classified with package failure:
// transient, rate limited, auth expired or remote rejected.
type Endpoint interface {
	OpenUploadSession(ctx context.Context, accessToken string, meta FileMeta) (OpenResult, error)
	// SendChunk returns the offset the remote has durably acknowledged, which may be less than
	// offset+len(chunk).
	SendChunk(ctx context.Context, accessToken, sessionToken string, offset int64, chunk []byte) (int64, error)
	// Finalize is idempotent for the same sessionToken.
	Finalize(ctx context.Context, accessToken, sessionToken string, meta FinalizeMeta) (string, error)
}

// Store persists session records.
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	LoadSession(ctx context.Context, jobID string, item int) (Record, bool, error)
	DeleteSession(ctx context.Context, jobID string, item int) error
}

// TokenSource provides access tokens per account.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Progress is reported after every acknowledged chunk and state change.
type Progress struct {
	State     State
	Committed int64
	Total     int64
}

// File is the subset of *os.File the session reads from.
type File interface {
	io.ReaderAt
	io.Closer
}

func openFile(path string) (File, error) { return os.Open(path) }

// Fingerprint identifies a file by path, size and modification time.
func Fingerprint(path string, size int64, modTime time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", path, size, modTime.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:32]
}
