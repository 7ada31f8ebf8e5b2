package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"time"

	"pubsched/internal/failure"
	"pubsched/internal/retry"
	logx "pubsched/pkg/logx"
)

const (
	DefaultChunkSize       = 32 << 20
	DefaultOpenTimeout     = 60 * time.Second
	DefaultChunkTimeout    = 300 * time.Second
	DefaultFinalizeTimeout = 180 * time.Second
	DefaultChunkRetries    = 3
)

var ErrIllegalTransition = errors.New("illegal session transition")

type Options struct {
	ChunkSize       int64
	Retry           retry.Policy
	OpenTimeout     time.Duration
	ChunkTimeout    time.Duration
	FinalizeTimeout time.Duration
}

func (o Options) WithDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultChunkRetries
	}
	if o.Retry.Base <= 0 {
		o.Retry.Base = 2 * time.Second
	}
	if o.Retry.Max <= 0 {
		o.Retry.Max = time.Minute
	}
	o.Retry = o.Retry.WithDefaults()
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return o
}

// Deps are the collaborators of a Session.
type Deps struct {
	Endpoint Endpoint
	Store    Store
	Tokens   TokenSource
	// Gate runs before every network call; the coordinator reserves rate budget here.
	Gate       func(ctx context.Context, op string) error
	OnProgress func(Progress)
	Log        logx.Logger
	Rand       *rand.Rand
	Open       func(path string) (File, error)
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Session owns one file's upload. It is not safe for concurrent use: exactly one worker drives
// it, strictly in offset order.
type Session struct {
	rec  Record
	deps Deps
	opt  Options
}

// NewSession wraps rec, which is either a fresh record (StateNew) or one loaded from the Store.
func NewSession(rec Record, deps Deps, opt Options) *Session {
	opt = opt.WithDefaults()
	if rec.ChunkSize <= 0 {
		rec.ChunkSize = opt.ChunkSize
	}
	if rec.State == "" {
		rec.State = StateNew
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Rand == nil {
		deps.Rand = retry.NewRand(int64(rec.Item))
	}
	if deps.Open == nil {
		deps.Open = openFile
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}
	deps.Log = deps.Log.With(logx.String("job", rec.JobID), logx.Int("item", rec.Item))
	return &Session{rec: rec, deps: deps, opt: opt}
}

func (s *Session) Record() Record { return s.rec }
func (s *Session) State() State   { return s.rec.State }

// Run drives the session to Committed and returns the remote item id. A record that is
// already Committed returns its stored id without any network call.
func (s *Session) Run(ctx context.Context, meta FinalizeMeta) (string, error) {
	if s.rec.State == StateCommitted && s.rec.RemoteItemID != "" {
		return s.rec.RemoteItemID, nil
	}
	if s.rec.State != StateNew {
		// A persisted record (aborted, or interrupted by a crash) is reopened with its remote
		// token and continues from CommittedOffset.
		s.rec.State = StateNew
	}
	if err := s.Open(ctx); err != nil {
		return "", err
	}
	if err := s.Transfer(ctx); err != nil {
		return "", err
	}
	return s.Finalize(ctx, meta)
}

func (s *Session) transition(to State) error {
	from := s.rec.State
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.rec.State = to
	if from != to {
		s.deps.Log.Debug("session.state", logx.String("from", string(from)), logx.String("to", string(to)))
		s.emit()
	}
	return nil
}

func (s *Session) emit() {
	if s.deps.OnProgress != nil {
		s.deps.OnProgress(Progress{State: s.rec.State, Committed: s.rec.CommittedOffset, Total: s.rec.TotalBytes})
	}
}

func (s *Session) persist(ctx context.Context) error {
	s.rec.UpdatedAt = time.Now()
	// Persisting is a checkpoint: it must complete even if the job is being canceled.
	if err := s.deps.Store.SaveSession(context.WithoutCancel(ctx), s.rec); err != nil {
		return failure.Wrap(failure.Persistence, "save_session", err)
	}
	return nil
}

// abort moves the session to Aborted and keeps the persisted record for a later resume.
func (s *Session) abort(ctx context.Context, cause error) error {
	if !s.rec.State.Terminal() {
		_ = s.transition(StateAborted)
		if err := s.persist(ctx); err != nil {
			s.deps.Log.Warn("session.abort persist failed", logx.Err(err))
		}
	}
	s.deps.Log.Info("session.aborted", logx.Int64("committed", s.rec.CommittedOffset), logx.Int64("total", s.rec.TotalBytes), logx.Err(cause))
	return cause
}

func (s *Session) gate(ctx context.Context, op string) error {
	if s.deps.Gate == nil {
		return nil
	}
	return s.deps.Gate(ctx, op)
}

func (s *Session) accessToken(ctx context.Context) (string, error) {
	if s.deps.Tokens == nil {
		return "", nil
	}
	tok, err := s.deps.Tokens.AccessToken(ctx, s.rec.AccountID)
	if err != nil {
		return "", failure.Wrap(failure.AuthExpired, "access_token", err)
	}
	return tok, nil
}

// Open requests a remote session, or resumes the one recorded in rec.
func (s *Session) Open(ctx context.Context) error {
	if s.rec.State != StateNew {
		return fmt.Errorf("%w: open from %s", ErrIllegalTransition, s.rec.State)
	}
	if err := ctx.Err(); err != nil {
		return s.abort(ctx, failure.Wrap(failure.Canceled, "open", err))
	}

	meta := FileMeta{
		AccountID:   s.rec.AccountID,
		Path:        s.rec.Path,
		Name:        filepath.Base(s.rec.Path),
		Size:        s.rec.TotalBytes,
		Fingerprint: s.rec.Fingerprint,
		Kind:        s.rec.Kind,
		ResumeToken: s.rec.RemoteToken,
	}
	var res OpenResult
	err := s.withRetry(ctx, "open", s.opt.OpenTimeout, func(callCtx context.Context, tok string) error {
		var err error
		res, err = s.deps.Endpoint.OpenUploadSession(callCtx, tok, meta)
		return err
	})
	if err != nil {
		return s.abort(ctx, err)
	}
	if res.Token == "" {
		return s.abort(ctx, failure.New(failure.Transient, "open", "remote returned an empty session token"))
	}
	if res.Offset < 0 || res.Offset > s.rec.TotalBytes {
		return s.abort(ctx, failure.New(failure.RemoteRejected, "open", fmt.Sprintf("remote offset %d outside 0..%d", res.Offset, s.rec.TotalBytes)))
	}

	if res.Token != s.rec.RemoteToken {
		// A different remote session: its offset replaces whatever the old one had reached.
		if s.rec.RemoteToken != "" {
			s.deps.Log.Info("session.replaced", logx.String("old", s.rec.RemoteToken), logx.Int64("remote_offset", res.Offset))
		}
		s.rec.RemoteToken = res.Token
		s.rec.CommittedOffset = res.Offset
	} else if res.Offset > s.rec.CommittedOffset {
		s.rec.CommittedOffset = res.Offset
	}
	if err := s.transition(StateOpened); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		return s.abort(ctx, err)
	}
	s.deps.Log.Debug("session.opened", logx.Int64("offset", s.rec.CommittedOffset), logx.Int64("total", s.rec.TotalBytes))
	return nil
}

// Transfer sends chunks from CommittedOffset until the remote has acknowledged every byte.
func (s *Session) Transfer(ctx context.Context) error {
	if s.rec.State != StateOpened && s.rec.State != StateTransferring {
		return fmt.Errorf("%w: transfer from %s", ErrIllegalTransition, s.rec.State)
	}
	if s.rec.CommittedOffset >= s.rec.TotalBytes {
		return nil
	}
	if err := s.transition(StateTransferring); err != nil {
		return err
	}

	f, err := s.deps.Open(s.rec.Path)
	if err != nil {
		return s.abort(ctx, failure.Wrap(failure.Validation, "open_file", err))
	}
	defer f.Close()

	buf := make([]byte, s.rec.ChunkSize)
	stalls := 0
	for s.rec.CommittedOffset < s.rec.TotalBytes {
		// Checkpoint: cancellation is honored between chunks, never mid-send.
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, failure.Wrap(failure.Canceled, "transfer", err))
		}

		offset := s.rec.CommittedOffset
		n := min(s.rec.ChunkSize, s.rec.TotalBytes-offset)
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return s.abort(ctx, failure.Wrap(failure.Validation, "read_file", err))
		}

		var ack int64
		err := s.withRetry(ctx, "send_chunk", s.opt.ChunkTimeout, func(callCtx context.Context, tok string) error {
			var err error
			ack, err = s.deps.Endpoint.SendChunk(callCtx, tok, s.rec.RemoteToken, offset, chunk)
			return err
		})
		if err != nil {
			return s.abort(ctx, err)
		}
		if ack > s.rec.TotalBytes {
			return s.abort(ctx, failure.New(failure.RemoteRejected, "send_chunk", fmt.Sprintf("remote acknowledged %d of %d bytes", ack, s.rec.TotalBytes)))
		}
		if ack <= offset {
			// Nothing accepted. Treat repeated stalls like transient failures.
			stalls++
			if stalls > s.opt.Retry.Attempts {
				return s.abort(ctx, failure.New(failure.Transient, "send_chunk", fmt.Sprintf("remote made no progress at offset %d", offset)))
			}
			if err := s.deps.Sleep(ctx, s.opt.Retry.Delay(stalls, s.deps.Rand)); err != nil {
				return s.abort(ctx, failure.Wrap(failure.Canceled, "transfer", err))
			}
			continue
		}
		stalls = 0

		s.rec.CommittedOffset = ack
		if err := s.persist(ctx); err != nil {
			return s.abort(ctx, err)
		}
		_ = s.transition(StateTransferring)
		s.emit()
	}
	return nil
}

// Finalize publishes the fully transferred file. On failure the session returns to
// Transferring so a later Finalize with the same token can be retried.
func (s *Session) Finalize(ctx context.Context, meta FinalizeMeta) (string, error) {
	if s.rec.CommittedOffset != s.rec.TotalBytes {
		return "", fmt.Errorf("%w: finalize at %d/%d", ErrIllegalTransition, s.rec.CommittedOffset, s.rec.TotalBytes)
	}
	if err := ctx.Err(); err != nil {
		return "", s.abort(ctx, failure.Wrap(failure.Canceled, "finalize", err))
	}
	if err := s.transition(StateFinalizing); err != nil {
		return "", err
	}

	var id string
	err := s.withRetry(ctx, "finalize", s.opt.FinalizeTimeout, func(callCtx context.Context, tok string) error {
		var err error
		id, err = s.deps.Endpoint.Finalize(callCtx, tok, s.rec.RemoteToken, meta)
		return err
	})
	if err != nil {
		_ = s.transition(StateTransferring)
		if perr := s.persist(ctx); perr != nil {
			s.deps.Log.Warn("session.finalize persist failed", logx.Err(perr))
		}
		if failure.Is(err, failure.Canceled) {
			return "", s.abort(ctx, err)
		}
		return "", err
	}

	s.rec.RemoteItemID = id
	if err := s.transition(StateCommitted); err != nil {
		return "", err
	}
	if err := s.persist(ctx); err != nil {
		// The remote already published; report the id and let the caller decide.
		s.deps.Log.Warn("session.commit persist failed", logx.Err(err))
	}
	s.deps.Log.Info("session.committed", logx.String("remote_item", id), logx.Int64("bytes", s.rec.TotalBytes))
	return id, nil
}

// withRetry runs one network call: gate, token, bounded call. Transient failures are retried
// with backoff; everything else is returned as-is. The call context is detached from ctx so a
// cancellation never interrupts an in-flight write; ctx is checked before each attempt and
// interrupts backoff waits.
func (s *Session) withRetry(ctx context.Context, op string, timeout time.Duration, call func(ctx context.Context, tok string) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.opt.Retry.Attempts; attempt++ {
		if attempt > 0 {
			d := s.opt.Retry.Delay(attempt, s.deps.Rand)
			s.deps.Log.Debug("session.retry", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(lastErr))
			if err := s.deps.Sleep(ctx, d); err != nil {
				return failure.Wrap(failure.Canceled, op, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.Canceled, op, err)
		}
		if err := s.gate(ctx, op); err != nil {
			return err
		}
		tok, err := s.accessToken(ctx)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		err = call(callCtx, tok)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = failure.Wrap(failure.Transient, op, err)
		}
		if failure.ClassOf(err) != failure.Transient {
			return err
		}
		lastErr = err
	}
	return lastErr
}
