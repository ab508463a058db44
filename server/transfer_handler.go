package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mmx233/Courier/protocol"
	"github.com/Mmx233/Courier/server/area"
	"github.com/Mmx233/Courier/server/auth"
	"github.com/Mmx233/Courier/server/registry"
	"github.com/Mmx233/Courier/transfer"
	"github.com/rs/zerolog"
)

var errSelfBan = errors.New("cannot ban yourself")

// maxUploadFiles caps the file count one upload may announce.
const maxUploadFiles = 1 << 24

func errPermission(p auth.Permission) error {
	return fmt.Errorf("permission denied: %s", p)
}

// refusal is a request rejected before any file moved.
type refusal struct {
	kind string
	msg  string
}

func refuse(err error) *refusal {
	var pe *area.PathError
	if errors.As(err, &pe) {
		return &refusal{kind: pe.WireKind(), msg: pe.Error()}
	}
	return &refusal{kind: transfer.WireKind(err), msg: err.Error()}
}

func permissionRefusal(p auth.Permission) *refusal {
	return &refusal{kind: protocol.ErrKindPermission, msg: errPermission(p).Error()}
}

// serveTransfer runs one transfer connection from handshake to
// TransferComplete. sig is the stop signal t was built with.
func (s *Server) serveTransfer(ctx context.Context, t transfer.Transport, sig *transfer.Signal, peer string) {
	logger := s.logger.With().Str("peer", peer).Str("port", "transfer").Logger()

	conn := transfer.NewConn(t, s.config.Timeouts.Transfer(), sig, logger)
	defer conn.Close()
	stopShutdown := context.AfterFunc(ctx, func() { sig.Fire(transfer.ReasonShutdown) })
	defer stopShutdown()
	stopWatch := conn.Watch()
	defer stopWatch()

	m := transfer.NewMachine()
	defer m.Close()

	var user auth.User
	if _, err := conn.Accept(m, s.authenticate(logger, &user)); err != nil {
		logger.Debug().Err(err).Msg("transfer ended before login")
		return
	}
	logger = logger.With().Str("user", user.Name).Logger()

	f, err := conn.ReceiveFrame(protocol.TypeFileDownload, protocol.TypeFileUpload)
	if err != nil {
		if transfer.KindOf(err) == transfer.KindProtocol {
			_ = conn.SendError(err)
		}
		logger.Info().Err(err).Msg("no transfer request")
		return
	}

	switch f.Type {
	case protocol.TypeFileDownload:
		err = s.serveDownload(conn, m, f, user, peer, logger)
	case protocol.TypeFileUpload:
		err = s.serveUpload(conn, m, f, user, peer, logger)
	}
	if err != nil {
		logger.Info().Err(err).Str("kind", string(transfer.KindOf(err))).Msg("transfer failed")
	}
}

// register adds the transfer to the registry, bound to the connection's
// stop signal. The returned function removes it again.
func (s *Server) register(conn *transfer.Conn, e *registry.Entry) (func(), error) {
	e.Attach(conn.Signal())
	if err := s.registry.Add(e); err != nil {
		return nil, err
	}
	// A ban that landed between login and registration.
	if s.users.IsBanned(e.User) {
		conn.Signal().Fire(transfer.ReasonBanned)
	}
	return func() { s.registry.Remove(e.ID) }, nil
}

func (s *Server) serveDownload(conn *transfer.Conn, m *transfer.Machine, f protocol.Frame, user auth.User, peer string, logger zerolog.Logger) error {
	var req protocol.FileDownload
	if err := transfer.Decode(f, &req); err != nil {
		_ = conn.SendError(err)
		return err
	}

	files, total, path, ref := s.prepareDownload(req, user)
	if ref != nil {
		_ = conn.SendID(f.ID, protocol.FileDownloadResponse{Error: ref.msg, ErrorKind: ref.kind})
		return transfer.RemoteError(ref.kind, ref.msg)
	}

	entry := &registry.Entry{
		User:        user.Name,
		PeerAddress: peer,
		Direction:   transfer.Download,
		Path:        path,
		TotalSize:   total,
	}
	unregister, err := s.register(conn, entry)
	if err != nil {
		_ = conn.SendID(f.ID, protocol.FileDownloadResponse{Error: err.Error(), ErrorKind: protocol.ErrKindIo})
		return err
	}
	defer unregister()
	logger = logger.With().Str("transfer_id", entry.ID).Logger()

	if err := conn.SendID(f.ID, protocol.FileDownloadResponse{
		Success:    true,
		Size:       total,
		FileCount:  uint64(len(files)),
		TransferID: entry.ID,
	}); err != nil {
		return err
	}

	res, err := conn.SendFiles(m, files, entry)
	return s.complete(conn, m, res, err, logger)
}

func (s *Server) prepareDownload(req protocol.FileDownload, user auth.User) ([]transfer.LocalFile, uint64, string, *refusal) {
	if !user.Can(auth.PermDownload) {
		return nil, 0, "", permissionRefusal(auth.PermDownload)
	}
	if req.Root && !user.Can(auth.PermFileRoot) {
		return nil, 0, "", permissionRefusal(auth.PermFileRoot)
	}
	path, err := s.area.Resolve(req.Path, req.Root, true)
	if err != nil {
		return nil, 0, "", refuse(err)
	}
	files, total, err := transfer.ListFiles(path)
	if err != nil {
		return nil, 0, "", refuse(err)
	}
	return files, total, path, nil
}

func (s *Server) serveUpload(conn *transfer.Conn, m *transfer.Machine, f protocol.Frame, user auth.User, peer string, logger zerolog.Logger) error {
	var req protocol.FileUpload
	if err := transfer.Decode(f, &req); err != nil {
		_ = conn.SendError(err)
		return err
	}

	dest, ref := s.prepareUpload(req, user)
	if ref != nil {
		_ = conn.SendID(f.ID, protocol.FileUploadResponse{Error: ref.msg, ErrorKind: ref.kind})
		return transfer.RemoteError(ref.kind, ref.msg)
	}

	entry := &registry.Entry{
		User:        user.Name,
		PeerAddress: peer,
		Direction:   transfer.Upload,
		Path:        dest,
		TotalSize:   req.TotalSize,
	}
	unregister, err := s.register(conn, entry)
	if err != nil {
		_ = conn.SendID(f.ID, protocol.FileUploadResponse{Error: err.Error(), ErrorKind: protocol.ErrKindIo})
		return err
	}
	defer unregister()
	logger = logger.With().Str("transfer_id", entry.ID).Logger()

	if err := conn.SendID(f.ID, protocol.FileUploadResponse{Success: true, TransferID: entry.ID}); err != nil {
		return err
	}

	place := func(rel string) (string, error) {
		final, err := transfer.SafeJoin(dest, rel)
		if err != nil {
			return "", err
		}
		if !req.Root && !s.area.Within(final) {
			return "", &area.PathError{Kind: area.OutsideArea, Path: rel}
		}
		return final, nil
	}
	res, err := conn.ReceiveFiles(m, int(req.FileCount), place, entry)
	return s.complete(conn, m, res, err, logger)
}

func (s *Server) prepareUpload(req protocol.FileUpload, user auth.User) (string, *refusal) {
	if !user.Can(auth.PermUpload) {
		return "", permissionRefusal(auth.PermUpload)
	}
	if req.Root && !user.Can(auth.PermFileRoot) {
		return "", permissionRefusal(auth.PermFileRoot)
	}
	if req.FileCount > maxUploadFiles {
		return "", &refusal{kind: protocol.ErrKindProtocol, msg: fmt.Sprintf("too many files: %d", req.FileCount)}
	}
	dest, err := s.area.Resolve(req.Destination, req.Root, true)
	if err != nil {
		return "", refuse(err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return "", refuse(err)
	}
	if !info.IsDir() {
		return "", &refusal{kind: protocol.ErrKindInvalidPath, msg: filepath.Base(dest) + " is not a directory"}
	}
	return dest, nil
}

// complete ends the transfer with TransferComplete whenever the connection
// can still carry it. Conflicting files make an otherwise clean transfer
// unsuccessful.
func (s *Server) complete(conn *transfer.Conn, m *transfer.Machine, res transfer.Result, err error, logger zerolog.Logger) error {
	var done protocol.TransferComplete
	switch {
	case err == nil && len(res.Conflicts) > 0:
		done = protocol.TransferComplete{
			Error:     fmt.Sprintf("%d file(s) differ on the receiving side: %v", len(res.Conflicts), res.Conflicts),
			ErrorKind: protocol.ErrKindConflict,
		}
		err = &transfer.Error{Kind: transfer.KindConflict, Msg: done.Error}
	case err == nil:
		done = protocol.TransferComplete{Success: true}
	default:
		switch transfer.KindOf(err) {
		case transfer.KindIo, transfer.KindHashMismatch:
			done = protocol.TransferComplete{Error: err.Error(), ErrorKind: transfer.WireKind(err)}
		case transfer.KindProtocol:
			_ = conn.SendError(err)
			return err
		default:
			// The connection is gone or the peer already gave up.
			return err
		}
	}

	if aerr := m.Advance(transfer.PhaseComplete); aerr != nil {
		return aerr
	}
	if serr := conn.Send(done); serr != nil && err == nil {
		return serr
	}

	logger.Info().
		Bool("success", done.Success).
		Int("files", res.Files).
		Int("skipped", res.Skipped).
		Int("resumed", res.Resumed).
		Uint64("bytes", res.Bytes).
		Msg("transfer finished")
	return err
}
