// Package term hosts pseudo-terminal sessions per workdir/task pair
// with bounded replay history, so a client that reconnects after an
// arbitrary gap gets as much recent output as fits the buffer.
package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// DefaultHistory is the per-session replay buffer capacity in bytes.
const DefaultHistory = 256 * 1024

// ErrInvalidToken is returned when a reconnect token does not belong
// to the session it targets.
var ErrInvalidToken = errors.New("invalid reconnect token")

// ErrSessionExited is returned when writing to a session whose process
// has exited and has not been restarted.
var ErrSessionExited = errors.New("session process has exited")

// Session is one live pseudo-terminal process with its replay ring and
// stream subscribers.
type Session struct {
	ID        string
	Token     string
	WorkdirID string
	TaskID    string
	StartedAt time.Time

	mu       sync.Mutex
	ptmx     *os.File
	cmd      *exec.Cmd
	ring     *ringBuffer
	subs     map[string]chan []byte
	exited   bool
	exitCode int
	done     chan struct{}
}

// EventFunc is called when a session process starts or exits, so the
// boundary can be mirrored into the task's conversation log. exitCode
// is nil for starts.
type EventFunc func(taskID, sessionID, event string, exitCode *int)

// Manager owns all terminal sessions, keyed by workdir and task.
type Manager struct {
	shell   string
	dir     string
	history int
	onEvent EventFunc
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. shell is the command launched
// in each session, dir its working directory default. onEvent may be
// nil.
func NewManager(shell, dir string, history int, onEvent EventFunc, logger *slog.Logger) *Manager {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		shell:    shell,
		dir:      dir,
		history:  history,
		onEvent:  onEvent,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(workdirID, taskID string) string {
	return workdirID + "/" + taskID
}

// Attach returns the session for a workdir/task pair, starting one if
// none exists. A non-empty reconnect token must match the session it
// targets; a matching token on an exited session restarts the process
// under the same id and token.
func (m *Manager) Attach(workdirID, taskID, reconnectToken string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(workdirID, taskID)
	sess, ok := m.sessions[key]
	if !ok {
		if reconnectToken != "" {
			return nil, ErrInvalidToken
		}
		sess, err := m.startSession(workdirID, taskID)
		if err != nil {
			return nil, err
		}
		m.sessions[key] = sess
		return sess, nil
	}

	if reconnectToken != "" && reconnectToken != sess.Token {
		return nil, ErrInvalidToken
	}
	if sess.Exited() {
		if err := m.restartSession(sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Get returns the live session for a pair, or nil.
func (m *Manager) Get(workdirID, taskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(workdirID, taskID)]
}

// Close terminates every session process.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.terminate()
	}
}

// startSession launches a fresh shell process. Caller holds m.mu.
func (m *Manager) startSession(workdirID, taskID string) (*Session, error) {
	sess := &Session{
		ID:        ulid.Make().String(),
		Token:     uuid.NewString(),
		WorkdirID: workdirID,
		TaskID:    taskID,
		ring:      newRingBuffer(m.history),
		subs:      make(map[string]chan []byte),
	}
	if err := m.spawn(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// restartSession reuses an exited session's id, token, and subscriber
// set with a new process. The ring is cleared so replay reflects only
// the new process's output.
func (m *Manager) restartSession(sess *Session) error {
	sess.ring.Reset()
	return m.spawn(sess)
}

func (m *Manager) spawn(sess *Session) error {
	cmd := exec.CommandContext(context.Background(), m.shell)
	if m.dir != "" {
		cmd.Dir = m.dir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}

	sess.mu.Lock()
	sess.cmd = cmd
	sess.ptmx = ptmx
	sess.exited = false
	sess.exitCode = 0
	sess.done = make(chan struct{})
	sess.StartedAt = time.Now()
	sess.mu.Unlock()

	m.logger.Info("terminal started",
		"session_id", sess.ID, "task_id", sess.TaskID, "pid", cmd.Process.Pid)
	if m.onEvent != nil {
		m.onEvent(sess.TaskID, sess.ID, "terminal_started", nil)
	}

	go m.readPTY(sess, ptmx, cmd)
	return nil
}

// readPTY pumps process output into the ring and to subscribers until
// the process exits.
func (m *Manager) readPTY(sess *Session, ptmx *os.File, cmd *exec.Cmd) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			// Ring write and fan-out share the session lock so an
			// Attach sees each byte exactly once, in replay or live.
			sess.mu.Lock()
			sess.ring.Write(data)
			for _, ch := range sess.subs {
				select {
				case ch <- data:
				default:
				}
			}
			sess.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	ptmx.Close()

	sess.mu.Lock()
	sess.exited = true
	sess.exitCode = code
	close(sess.done)
	sess.mu.Unlock()

	m.logger.Info("terminal exited",
		"session_id", sess.ID, "task_id", sess.TaskID, "exit_code", code)
	if m.onEvent != nil {
		m.onEvent(sess.TaskID, sess.ID, "terminal_exited", &code)
	}
}

// Exited reports whether the session's process has exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// ExitCode is valid once Exited reports true.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Attach subscribes a stream consumer. It returns the replay of the
// buffered trailing window, a channel of live output, and an
// unsubscribe func the caller must run on disconnect. Replay content
// is always a suffix of the full session output.
func (s *Session) Attach() ([]byte, <-chan []byte, func()) {
	ch := make(chan []byte, 256)
	subID := uuid.NewString()

	s.mu.Lock()
	replay := s.ring.Bytes()
	s.subs[subID] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
	}
	return replay, ch, unsubscribe
}

// Write sends input bytes to the process.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	ptmx, exited := s.ptmx, s.exited
	s.mu.Unlock()
	if exited || ptmx == nil {
		return ErrSessionExited
	}
	_, err := ptmx.Write(p)
	return err
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	ptmx, exited := s.ptmx, s.exited
	s.mu.Unlock()
	if exited || ptmx == nil {
		return ErrSessionExited
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Done is closed when the current process exits.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) terminate() {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if exited || cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}
