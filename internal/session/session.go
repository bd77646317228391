// Package session implements the per-connection state machine that turns a
// raw TCP byte stream from a reverse shell into a framed request/response
// channel.
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"awdshells/internal/sentinel"
)

// ID uniquely identifies a Session within a process. Zero is a valid ID.
type ID uint64

const handshakeTokenLength = 16

// Session owns exactly one accepted TCP connection and the protocol state
// built on top of it: liveness and echo flags, a carryover read buffer, and
// the sentinel-framed command execution protocol.
type Session struct {
	id     ID
	conn   net.Conn
	remote net.Addr

	flagsMu  sync.RWMutex
	alive    bool
	echo     bool
	timedOut bool

	// readMu serializes reads; writeMu serializes writes independently.
	// Reads and writes may proceed concurrently with each other.
	readMu     sync.Mutex
	readBuffer []byte
	writeMu    sync.Mutex

	// leaseMu is held for the duration of Interact. The server's liveness
	// sweeper skips a leased session rather than racing its output stream;
	// other fan-out (Server.ForEach callers, batch execution) does not check
	// the lease.
	leaseMu sync.Mutex

	sentinels *sentinel.Generator
}

// New wraps an accepted connection as a Session. The session starts alive,
// with echo unknown (false) until Handshake runs.
func New(id ID, conn net.Conn) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		remote:    conn.RemoteAddr(),
		alive:     true,
		sentinels: sentinel.New(),
	}
}

// ID returns the session's identifier, assigned by the server at accept time.
func (s *Session) ID() ID { return s.id }

// RemoteAddr returns the address captured at accept time; it does not change
// over the session's lifetime.
func (s *Session) RemoteAddr() net.Addr { return s.remote }

// IsAlive reports whether the most recent I/O on this session succeeded.
// This is not globally monotone: a write that succeeds after a prior read
// failure flips it back to true.
func (s *Session) IsAlive() bool {
	s.flagsMu.RLock()
	defer s.flagsMu.RUnlock()
	return s.alive
}

// IsEcho reports whether the remote shell echoes its stdin, as determined
// once during Handshake.
func (s *Session) IsEcho() bool {
	s.flagsMu.RLock()
	defer s.flagsMu.RUnlock()
	return s.echo
}

// IsTimedOut reports whether the most recent timed read expired its timer.
// It is cleared at the start of every subsequent timed read.
func (s *Session) IsTimedOut() bool {
	s.flagsMu.RLock()
	defer s.flagsMu.RUnlock()
	return s.timedOut
}

// IsLeased reports whether Interact currently holds this session's
// exclusive lease.
func (s *Session) IsLeased() bool {
	if s.leaseMu.TryLock() {
		s.leaseMu.Unlock()
		return false
	}
	return true
}

func (s *Session) setAlive(v bool) {
	s.flagsMu.Lock()
	s.alive = v
	s.flagsMu.Unlock()
}

func (s *Session) setEcho(v bool) {
	s.flagsMu.Lock()
	s.echo = v
	s.flagsMu.Unlock()
}

func (s *Session) setTimedOut(v bool) {
	s.flagsMu.Lock()
	s.timedOut = v
	s.flagsMu.Unlock()
}

// ReadAll reads all bytes available on the socket until timeout elapses. On
// timer expiry it sets IsTimedOut and returns whatever was buffered,
// possibly empty, leaving IsAlive unchanged. On a transport error it sets
// IsAlive false and returns empty, discarding anything read before the error.
func (s *Session) ReadAll(ctx context.Context, timeout time.Duration) []byte {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.setTimedOut(false)

	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		s.setAlive(false)
		return nil
	}
	defer s.conn.SetReadDeadline(time.Time{})

	var out []byte
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return out
		default:
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				s.setTimedOut(true)
				return out
			}
			s.setAlive(false)
			return nil
		}
	}
}

// ReadUntil reads until the literal delim appears, blocking indefinitely. It
// first satisfies from any carried-over read buffer before touching the
// socket. The returned slice includes delim; any bytes read past it are
// retained for the next framed read.
func (s *Session) ReadUntil(ctx context.Context, delim []byte) []byte {
	return s.readUntil(ctx, delim, 0, false)
}

// ReadUntilTimeout behaves like ReadUntil but bounds the wait by timeout. On
// timer expiry it sets IsTimedOut, retains any partial read in the carryover
// buffer, and returns empty.
func (s *Session) ReadUntilTimeout(ctx context.Context, delim []byte, timeout time.Duration) []byte {
	return s.readUntil(ctx, delim, timeout, true)
}

func (s *Session) readUntil(ctx context.Context, delim []byte, timeout time.Duration, useTimeout bool) []byte {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.setTimedOut(false)

	if result, ok := s.takeFromBuffer(delim); ok {
		return result
	}

	if useTimeout {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			s.setAlive(false)
			return nil
		}
		defer s.conn.SetReadDeadline(time.Time{})
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.readBuffer = append(s.readBuffer, buf[:n]...)
			if result, ok := s.takeFromBuffer(delim); ok {
				s.setAlive(true)
				return result
			}
		}
		if err != nil {
			if isTimeout(err) {
				s.setTimedOut(true)
				return nil
			}
			s.setAlive(false)
			return nil
		}
	}
}

// takeFromBuffer returns the prefix of the carryover buffer up to and
// including delim, if present, consuming it from the buffer.
func (s *Session) takeFromBuffer(delim []byte) ([]byte, bool) {
	idx := bytes.Index(s.readBuffer, delim)
	if idx < 0 {
		return nil, false
	}

	end := idx + len(delim)
	result := make([]byte, end)
	copy(result, s.readBuffer[:end])
	s.readBuffer = s.readBuffer[end:]
	return result, true
}

// Write sends data in full. On error it marks the session dead; on success
// it marks the session alive, since a later write can resurrect a session
// that a prior read had marked dead.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(data); err != nil {
		s.setAlive(false)
		return fmt.Errorf("session %d: write: %w", s.id, err)
	}

	s.setAlive(true)
	return nil
}

// Execute runs command on the remote shell and returns its captured stdout.
// It brackets the command with a fresh sentinel pair so the output can be
// anchored and delimited regardless of surrounding shell noise, and strips
// one echoed copy of the command line first when IsEcho is set. Any step
// reporting the session dead aborts execution and returns "".
func (s *Session) Execute(ctx context.Context, command string) string {
	pair, err := s.sentinels.Generate(ctx)
	if err != nil {
		return ""
	}

	line := fmt.Sprintf("echo %s && %s; echo %s\n", pair.Prefix, command, pair.Suffix)
	if err := s.Write([]byte(line)); err != nil {
		return ""
	}

	s.ReadUntil(ctx, []byte(pair.Prefix))
	if !s.IsAlive() {
		return ""
	}

	if s.IsEcho() {
		s.ReadUntil(ctx, []byte(pair.Prefix))
		if !s.IsAlive() {
			return ""
		}
	}

	out := s.ReadUntil(ctx, []byte(pair.Suffix))
	if !s.IsAlive() || len(out) == 0 {
		return ""
	}

	out = bytes.TrimSuffix(out, []byte(pair.Suffix))
	out = bytes.TrimLeft(out, "\r\n")
	return string(out)
}

// Handshake runs the echo probe once, immediately after accept: it writes a
// one-shot token, consumes its first echo with no timeout, then waits up to
// one second for a second occurrence. A second occurrence within the window
// means the remote shell echoes stdin, so IsEcho becomes true; a timeout
// means it does not.
func (s *Session) Handshake(ctx context.Context) {
	token := sentinel.RandomToken(handshakeTokenLength)

	if err := s.Write([]byte(fmt.Sprintf("echo %s\n", token))); err != nil {
		return
	}

	s.ReadUntil(ctx, []byte(token))
	if !s.IsAlive() {
		return
	}

	second := s.ReadUntilTimeout(ctx, []byte(token), time.Second)
	s.setEcho(len(second) > 0)
}

// Interact runs a line-oriented REPL against this session: each iteration
// prints the session's current working directory as a prompt, reads one
// line from in, sends it as a command, and writes the response to out. It
// holds the session's exclusive lease for its entire duration, and ends on
// the operator typing "exit" or the session going dead.
func (s *Session) Interact(ctx context.Context, in io.Reader, out io.Writer) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	scanner := bufio.NewScanner(in)
	for {
		if !s.IsAlive() {
			return
		}

		pwd := strings.TrimRight(s.Execute(ctx, "pwd"), "\r\n")
		fmt.Fprintf(out, "%s> ", pwd)

		if !scanner.Scan() {
			return
		}

		line := scanner.Text()
		if line == "exit" {
			return
		}

		fmt.Fprintln(out, s.Execute(ctx, line))
	}
}

// Close marks the session dead and closes its underlying connection. Safe to
// call multiple times.
func (s *Session) Close() error {
	s.setAlive(false)
	return s.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
