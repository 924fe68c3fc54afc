// Package adminipc implements AdminIpc (C10): the length-prefixed
// JSON command socket administrators use to inspect and adjust the
// daemon at runtime, grounded on the framing and dispatch-table shape
// of the original Python GuardianIPCServer, re-expressed with
// SO_PEERCRED authorization via golang.org/x/sys/unix instead of
// asyncio's peer-credential extra-info.
package adminipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/familyguardian/guardian-daemon/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// MaxFrameBytes bounds a single request/response body (§4.8).
const MaxFrameBytes = 1 << 20

// Handler answers one decoded command with a JSON-marshalable
// response or an error. Handlers must not block longer than a few
// milliseconds; anything slower belongs behind its own goroutine with
// a context deadline.
type Handler func(ctx context.Context, arg string) (any, error)

// ErrUnknownCommand carries the wire-level unknown_command error
// string; invalid arguments are reported through InvalidArgumentError.
var (
	ErrUnknownCommand = fmt.Errorf("unknown_command")
)

// InvalidArgumentError carries a human-readable detail string for the
// invalid_argument wire response.
type InvalidArgumentError struct {
	Detail string
}

func (e *InvalidArgumentError) Error() string { return e.Detail }

// Server listens on a Unix domain socket and dispatches framed JSON
// commands to registered Handlers, authorizing each connection by its
// SO_PEERCRED credentials before reading a single byte of command data.
type Server struct {
	socketPath string
	adminGID   int // -1 means "no group restriction beyond uid 0"
	logger     zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
	wg       sync.WaitGroup

	stop chan struct{}
}

// New constructs a Server bound to socketPath. adminGID is the
// numeric GID permitted to connect in addition to uid 0; pass -1 to
// restrict the socket to root only.
func New(socketPath string, adminGID int, logger zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		adminGID:   adminGID,
		logger:     logger.With().Str("component", "admin_ipc").Logger(),
		handlers:   make(map[string]Handler),
		stop:       make(chan struct{}),
	}
}

// Handle registers a Handler for command name.
func (s *Server) Handle(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Start removes any stale socket file, binds, sets ownership/mode
// (root:guardian-admin, 0660), and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminipc: listen: %w", err)
	}
	s.listener = ln

	if s.adminGID >= 0 {
		if err := os.Chown(s.socketPath, 0, s.adminGID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to chown admin socket")
		}
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.logger.Warn().Err(err).Msg("failed to chmod admin socket")
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener, waits for in-flight connections to drain,
// and removes the socket file (§4.9 shutdown ordering).
func (s *Server) Stop() {
	close(s.stop)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.logger.Error().Msg("non-unix connection on admin socket")
		return
	}
	cred, err := peerCredentials(unixConn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read peer credentials; rejecting")
		return
	}
	if !s.authorized(cred) {
		s.logger.Warn().Uint32("uid", cred.Uid).Uint32("gid", cred.Gid).Msg("unauthorized admin connection rejected")
		return
	}

	reader := bufio.NewReader(conn)
	for {
		body, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Msg("admin connection closed")
			}
			return
		}

		requestID := uuid.NewString()
		resp := s.dispatch(ctx, requestID, body)
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to marshal response")
			return
		}
		if err := writeFrame(conn, data); err != nil {
			s.logger.Debug().Err(err).Msg("failed to write response")
			return
		}
	}
}

func (s *Server) authorized(cred *unix.Ucred) bool {
	if cred.Uid == 0 {
		return true
	}
	return s.adminGID >= 0 && int(cred.Gid) == s.adminGID
}

type request struct {
	Command string `json:"command"`
	Arg     string `json:"arg"`
}

func (s *Server) dispatch(ctx context.Context, requestID string, body []byte) map[string]any {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IPCCommandsTotal.WithLabelValues("unknown", "invalid_argument").Inc()
		return map[string]any{"error": "invalid_argument", "detail": "malformed JSON body", "request_id": requestID}
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		metrics.IPCCommandsTotal.WithLabelValues(req.Command, "unknown_command").Inc()
		return map[string]any{"error": "unknown_command", "request_id": requestID}
	}

	s.logger.Debug().Str("request_id", requestID).Str("command", req.Command).Msg("dispatching admin command")
	result, err := handler(ctx, req.Arg)
	if err != nil {
		var invalid *InvalidArgumentError
		if ok := asInvalidArgument(err, &invalid); ok {
			metrics.IPCCommandsTotal.WithLabelValues(req.Command, "invalid_argument").Inc()
			return map[string]any{"error": "invalid_argument", "detail": invalid.Detail, "request_id": requestID}
		}
		metrics.IPCCommandsTotal.WithLabelValues(req.Command, "internal_error").Inc()
		return map[string]any{"error": "internal_error", "detail": err.Error(), "request_id": requestID}
	}
	metrics.IPCCommandsTotal.WithLabelValues(req.Command, "ok").Inc()
	return map[string]any{"result": result, "request_id": requestID}
}

func asInvalidArgument(err error, target **InvalidArgumentError) bool {
	if ia, ok := err.(*InvalidArgumentError); ok {
		*target = ia
		return true
	}
	return false
}

// readFrame reads one length-prefixed frame, enforcing MaxFrameBytes.
// An oversized frame is drained (not left half-read) before the error
// is returned; handleConn then closes the connection.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameBytes {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("drain oversized frame: %w", err)
		}
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", length, MaxFrameBytes)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func peerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return cred, nil
}
