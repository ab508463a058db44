package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Mmx233/Courier/client/store"
	"github.com/Mmx233/Courier/config"
	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/transfer"
	"github.com/Mmx233/Courier/transport"
	"github.com/rs/zerolog"
)

// EventType is what happened to a transfer.
type EventType int

const (
	EventConnecting EventType = iota + 1
	EventStarted
	EventProgress
	EventCompleted
	EventFailed
	EventPaused
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Event reports a step of a transfer. Bytes and Total are set from Started
// on; Kind and Err only for Failed and Paused. FileCount is the number of
// files in Started and the number finished in Progress.
type Event struct {
	Type             EventType
	ID               string
	Bytes            uint64
	Total            uint64
	FileCount        uint64
	ServerTransferID string
	CurrentFile      string
	Kind             string
	Err              error
}

// Request asks for a new transfer. For downloads LocalPath is the directory
// files land in; for uploads it is the file or directory sent.
type Request struct {
	Server     string
	Direction  transfer.Direction
	RemotePath string
	LocalPath  string
	Root       bool
}

const eventBuffer = 256

type job struct {
	signal   *transfer.Signal
	shutdown atomic.Bool
}

// Executor runs queued transfers as the active peer. With queue_transfers
// set one transfer runs at a time, otherwise each gets its own goroutine.
type Executor struct {
	config  *config.Client
	manager *Manager
	dialer  *Dialer
	events  chan Event

	mu      sync.Mutex
	pending []string
	wake    chan struct{}
	jobs    map[string]*job

	logger zerolog.Logger
}

func NewExecutor(conf *config.Client, manager *Manager, dialer *Dialer, logger zerolog.Logger) *Executor {
	return &Executor{
		config:  conf,
		manager: manager,
		dialer:  dialer,
		events:  make(chan Event, eventBuffer),
		wake:    make(chan struct{}, 1),
		jobs:    make(map[string]*job),
		logger:  logger.With().Str("com", "executor").Logger(),
	}
}

// Events delivers transfer events. Progress events are dropped while the
// consumer lags; every other event is delivered.
func (e *Executor) Events() <-chan Event {
	return e.events
}

// Submit records a new transfer and queues it.
func (e *Executor) Submit(req Request) (TransferRecord, error) {
	ep, err := e.config.Server(req.Server)
	if err != nil {
		return TransferRecord{}, err
	}
	if req.RemotePath == "" {
		return TransferRecord{}, errors.New("remote path is required")
	}
	local := req.LocalPath
	switch req.Direction {
	case transfer.Download:
		if local == "" {
			local = e.config.DownloadDir
		}
	case transfer.Upload:
		if _, err := os.Stat(local); err != nil {
			return TransferRecord{}, fmt.Errorf("upload source: %w", err)
		}
	default:
		return TransferRecord{}, fmt.Errorf("unknown direction %d", req.Direction)
	}

	rec, err := e.manager.Create(TransferRecord{
		Direction:  req.Direction.String(),
		Server:     ep.Name,
		Address:    ep.Address,
		RemotePath: req.RemotePath,
		LocalPath:  local,
		Root:       req.Root,
	})
	if err != nil {
		return TransferRecord{}, err
	}
	e.enqueue(rec.ID)
	return rec, nil
}

// Pause stops a running transfer, keeping its partial files, or parks a
// queued one.
func (e *Executor) Pause(id string) error {
	return e.control(id, transfer.ReasonPaused, store.Paused, func(r *TransferRecord) {
		r.ErrorKind, r.Error = string(transfer.KindPaused), "paused by user"
	})
}

// Cancel stops a transfer for good. Partial files stay on disk.
func (e *Executor) Cancel(id string) error {
	return e.control(id, transfer.ReasonCancelled, store.Failed, func(r *TransferRecord) {
		r.ErrorKind, r.Error = string(transfer.KindCancelled), "cancelled by user"
	})
}

// Resume queues a paused or failed transfer again.
func (e *Executor) Resume(id string) error {
	if err := e.control(id, transfer.ReasonNone, store.Queued, nil); err != nil {
		return err
	}
	e.enqueue(id)
	return nil
}

// control applies a user request. A running transfer is signalled with
// reason; any other record moves to status to. The job lookup and the status
// change happen under e.mu, so execute either sees the new status or the
// request sees its job.
func (e *Executor) control(id string, reason transfer.Reason, to store.Status, fn func(*TransferRecord)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j := e.jobs[id]; j != nil {
		if reason == transfer.ReasonNone {
			return fmt.Errorf("%w: %s", ErrTransferRunning, id)
		}
		j.signal.Fire(reason)
		return nil
	}
	_, err := e.manager.ControlTransition(id, to, fn)
	return err
}

func (e *Executor) enqueue(ids ...string) {
	e.mu.Lock()
	e.pending = append(e.pending, ids...)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) next() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return "", false
	}
	id := e.pending[0]
	e.pending = e.pending[1:]
	return id, true
}

// Run works the queue until ctx is done. Records already queued are picked
// up first. Running transfers are stopped on return and go back to the queue.
func (e *Executor) Run(ctx context.Context) error {
	e.enqueue(e.manager.Queued()...)
	e.logger.Info().Bool("sequential", e.config.QueueTransfers).Msg("executor started")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		id, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.config.QueueTransfers {
			e.execute(ctx, id)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.execute(ctx, id)
		}()
	}
}

func (e *Executor) emit(ctx context.Context, ev Event) {
	if ev.Type == EventProgress {
		select {
		case e.events <- ev:
		default:
		}
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		// Terminal events still go out when there is room.
		select {
		case e.events <- ev:
		default:
		}
	}
}

// execute runs one record from Connecting to its end state.
func (e *Executor) execute(ctx context.Context, id string) {
	j := &job{signal: transfer.NewSignal()}
	e.mu.Lock()
	if _, busy := e.jobs[id]; busy {
		e.mu.Unlock()
		return
	}
	e.jobs[id] = j
	e.mu.Unlock()
	release := func() {
		e.mu.Lock()
		if e.jobs[id] == j {
			delete(e.jobs, id)
		}
		e.mu.Unlock()
	}
	defer release()

	rec, err := e.manager.Transition(id, store.Connecting, nil)
	if err != nil {
		// Paused, cancelled or removed while waiting.
		e.logger.Debug().Str("id", id).Err(err).Msg("skipping transfer")
		return
	}
	stop := context.AfterFunc(ctx, func() {
		j.shutdown.Store(true)
		j.signal.Fire(transfer.ReasonPaused)
	})
	defer stop()

	logger := e.logger.With().Str("id", id).Str("direction", rec.Direction).Str("path", rec.RemotePath).Logger()
	e.emit(ctx, Event{Type: EventConnecting, ID: id})

	attempt := &run{executor: e, ctx: ctx, rec: rec, signal: j.signal, logger: logger}
	err = attempt.explain(attempt.do())
	ev, ok := e.finish(attempt, j, err)

	// The job is gone before anyone hears of the outcome, so a request made
	// in reaction to the event sees a settled record.
	release()
	if ok {
		e.emit(ctx, ev)
	}
}

// finish records the outcome of an attempt and returns the event to report.
func (e *Executor) finish(r *run, j *job, err error) (Event, bool) {
	id := r.rec.ID
	pin := r.pin
	progress := r.progress.snapshot()

	if err == nil {
		rec, serr := e.manager.Transition(id, store.Completed, func(rec *TransferRecord) {
			pin(rec)
			rec.BytesTransferred = rec.TotalBytes
			rec.FilesCompleted = rec.FileCount
		})
		if serr != nil {
			r.logger.Error().Err(serr).Msg("record completion failed")
		}
		r.logger.Info().Uint64("bytes", rec.TotalBytes).Msg("transfer completed")
		return Event{Type: EventCompleted, ID: id, Bytes: rec.TotalBytes, Total: rec.TotalBytes, FileCount: rec.FileCount, ServerTransferID: rec.ServerTransferID}, true
	}

	if j.shutdown.Load() {
		if _, serr := e.manager.Transition(id, store.Queued, pin); serr != nil {
			r.logger.Error().Err(serr).Msg("requeue failed")
		}
		r.logger.Info().Msg("transfer interrupted by shutdown, queued again")
		return Event{}, false
	}

	kind := ErrorKind(err)
	to, evType := store.Failed, EventFailed
	if kind == string(transfer.KindPaused) {
		to, evType = store.Paused, EventPaused
	}
	if _, serr := e.manager.Transition(id, to, func(rec *TransferRecord) {
		pin(rec)
		rec.ErrorKind = kind
		rec.Error = err.Error()
	}); serr != nil {
		r.logger.Error().Err(serr).Msg("record failure failed")
	}
	r.logger.Warn().Err(err).Str("kind", kind).Bool("retryable", transfer.Retryable(err)).Msg("transfer stopped")
	return Event{Type: evType, ID: id, Bytes: progress.bytes, Total: progress.total, Kind: kind, Err: err}, true
}

// ErrorKind names why a transfer ended. Refusals and failures reported by the
// server use the server's error kind, so a ban, a user cancel, a pause and a
// local error each get their own value.
func ErrorKind(err error) string {
	if errors.Is(err, ErrFingerprintMismatch) {
		return "fingerprint"
	}
	if reason, ok := transport.RemoteReason(err); ok {
		switch reason {
		case transfer.ReasonBanned:
			return protocol.ErrKindBanned
		case transfer.ReasonShutdown:
			return protocol.ErrKindShutdown
		}
	}
	var te *transfer.Error
	if errors.As(err, &te) && te.Kind == transfer.KindRemote && te.RemoteKind != "" {
		return te.RemoteKind
	}
	return string(transfer.KindOf(err))
}

// run is one attempt at a record.
type run struct {
	executor *Executor
	ctx      context.Context
	rec      TransferRecord
	signal   *transfer.Signal
	logger   zerolog.Logger

	fingerprint string
	loggedIn    bool
	progress    *progress
}

// pin binds the record to the certificate seen on its first connect.
func (r *run) pin(rec *TransferRecord) {
	if rec.Fingerprint == "" && r.fingerprint != "" {
		rec.Fingerprint = r.fingerprint
	}
}

func (r *run) do() error {
	e := r.executor
	r.progress = &progress{run: r}

	ep, err := e.config.Server(r.rec.Server)
	if err != nil {
		return &transfer.Error{Kind: transfer.KindIo, Msg: "server no longer configured", Err: err}
	}
	direction, err := transfer.ParseDirection(r.rec.Direction)
	if err != nil {
		return &transfer.Error{Kind: transfer.KindIo, Msg: "corrupt record", Err: err}
	}

	t, fp, err := e.dialer.DialTransfer(r.ctx, ep, r.rec.Fingerprint, r.signal)
	if err != nil {
		if serr := r.signal.Err(); serr != nil {
			return serr
		}
		return &transfer.Error{Kind: transfer.KindConnection, Msg: "connect to " + ep.Name, Err: err}
	}
	r.fingerprint = fp

	conn := transfer.NewConn(t, e.config.Timeouts.Transfer(), r.signal, r.logger)
	defer conn.Close()
	stopWatch := conn.Watch()
	defer stopWatch()

	m := transfer.NewMachine()
	defer m.Close()
	if _, err := conn.Greet(m, ep.Username, ep.Password); err != nil {
		return err
	}
	r.loggedIn = true

	switch direction {
	case transfer.Download:
		return r.download(conn, m)
	default:
		return r.upload(conn, m)
	}
}

// explain reclassifies a connection that dropped after login. A ban that
// lands inside a FileData payload on a TCP stream cannot be announced, so a
// fresh login on the main port tells whether the account was banned.
func (r *run) explain(err error) error {
	if err == nil || !r.loggedIn || r.signal.Fired() || r.ctx.Err() != nil {
		return err
	}
	if transfer.KindOf(err) != transfer.KindConnection {
		return err
	}
	e := r.executor
	ep, cerr := e.config.Server(r.rec.Server)
	if cerr != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.ctx, e.config.Timeouts.Connect)
	defer cancel()
	s, lerr := Connect(ctx, e.dialer, e.config, ep, nil)
	if lerr == nil {
		_ = s.Close()
		return err
	}
	if transfer.KindOf(lerr) != transfer.KindBanned {
		return err
	}
	r.logger.Debug().Err(err).Msg("connection dropped by a ban")
	return &transfer.Error{Kind: transfer.KindBanned, RemoteKind: protocol.ErrKindBanned, Msg: "user banned during the transfer", Err: err}
}

// started records what the server accepted and moves to Transferring.
func (r *run) started(total, files uint64, serverID string) error {
	rec, err := r.executor.manager.Transition(r.rec.ID, store.Transferring, func(rec *TransferRecord) {
		r.pin(rec)
		rec.TotalBytes = total
		rec.FileCount = files
		rec.ServerTransferID = serverID
		rec.BytesTransferred = 0
		rec.FilesCompleted = 0
	})
	if err != nil {
		return err
	}
	r.rec = rec
	r.progress.total = total
	r.logger.Info().Uint64("total", total).Uint64("files", files).Str("server_transfer_id", serverID).Msg("transfer started")
	r.executor.emit(r.ctx, Event{Type: EventStarted, ID: rec.ID, Total: total, FileCount: files, ServerTransferID: serverID})
	return nil
}

func (r *run) download(conn *transfer.Conn, m *transfer.Machine) error {
	if err := conn.Send(protocol.FileDownload{Path: r.rec.RemotePath, Root: r.rec.Root}); err != nil {
		return err
	}
	var resp protocol.FileDownloadResponse
	if _, err := conn.ReceiveMessage(&resp); err != nil {
		return err
	}
	if !resp.Success {
		return refusal(resp.ErrorKind, resp.Error)
	}
	if err := r.started(resp.Size, resp.FileCount, resp.TransferID); err != nil {
		return err
	}

	dest := r.rec.LocalPath
	res, err := conn.ReceiveFiles(m, -1, func(rel string) (string, error) {
		return transfer.SafeJoin(dest, rel)
	}, r.progress)
	if err != nil {
		return err
	}
	if len(res.Conflicts) > 0 {
		return &transfer.Error{
			Kind: transfer.KindConflict,
			Msg:  fmt.Sprintf("%d file(s) already exist with different content: %v", len(res.Conflicts), res.Conflicts),
		}
	}
	if res.Complete == nil {
		return &transfer.Error{Kind: transfer.KindProtocol, Msg: "transfer ended without TransferComplete"}
	}
	return transfer.CompleteErr(*res.Complete)
}

func (r *run) upload(conn *transfer.Conn, m *transfer.Machine) error {
	files, total, err := transfer.ListFiles(r.rec.LocalPath)
	if err != nil {
		return err
	}
	if err := conn.Send(protocol.FileUpload{
		Destination: r.rec.RemotePath,
		Root:        r.rec.Root,
		FileCount:   uint64(len(files)),
		TotalSize:   total,
	}); err != nil {
		return err
	}
	var resp protocol.FileUploadResponse
	if _, err := conn.ReceiveMessage(&resp); err != nil {
		return err
	}
	if !resp.Success {
		return refusal(resp.ErrorKind, resp.Error)
	}
	if err := r.started(total, uint64(len(files)), resp.TransferID); err != nil {
		return err
	}

	if _, err := conn.SendFiles(m, files, r.progress); err != nil {
		return err
	}
	var done protocol.TransferComplete
	if _, err := conn.ReceiveMessage(&done); err != nil {
		return err
	}
	return transfer.CompleteErr(done)
}

func refusal(kind, msg string) error {
	if kind == "" {
		kind = protocol.ErrKindIo
	}
	return transfer.RemoteError(kind, msg)
}

// progress turns per file callbacks into transfer wide byte counts that only
// ever grow.
type progress struct {
	run *run

	mu        sync.Mutex
	total     uint64
	finished  uint64 // bytes of files already done
	files     uint64
	current   string
	last      uint64
	lastFiles uint64
}

type progressSnapshot struct {
	bytes, total uint64
}

func (p *progress) snapshot() progressSnapshot {
	if p == nil {
		return progressSnapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return progressSnapshot{bytes: p.last, total: p.total}
}

func (p *progress) report(bytes uint64) {
	p.mu.Lock()
	grew := bytes > p.last
	if !grew && p.files == p.lastFiles {
		p.mu.Unlock()
		return
	}
	if grew {
		p.last = bytes
	}
	p.lastFiles = p.files
	files, total, last, current := p.files, p.total, p.last, p.current
	p.mu.Unlock()

	r := p.run
	r.executor.manager.Progress(r.rec.ID, last, files)
	if grew {
		r.executor.emit(r.ctx, Event{Type: EventProgress, ID: r.rec.ID, Bytes: bytes, Total: total, FileCount: files, CurrentFile: current})
	}
}

func (p *progress) FileStarted(path string, _, offset uint64) {
	p.mu.Lock()
	p.current = path
	at := p.finished + offset
	p.mu.Unlock()
	p.report(at)
}

func (p *progress) FileProgress(path string, done, _ uint64) {
	p.mu.Lock()
	p.current = path
	at := p.finished + done
	p.mu.Unlock()
	p.report(at)
}

func (p *progress) FileFinished(path string, size uint64, _ transfer.Disposition) {
	p.mu.Lock()
	p.current = path
	p.finished += size
	p.files++
	at := p.finished
	p.mu.Unlock()
	p.report(at)
}
