// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/phurth/hacs-adb-connector/internal/adbkey"
	"github.com/phurth/hacs-adb-connector/internal/wire"
)

const pushChunkSize = 64 * 1024

// Session is one authenticated connection to a device's adbd. It is not safe
// for concurrent use; the coordinator serializes all access.
type Session struct {
	transport Transport
	conn      wire.Conn
	alive     bool
	banner    string
	remoteMax uint32
	nextID    uint32
}

// Connect opens the transport, runs the CNXN/AUTH handshake with the given
// signing key and returns a live session. The whole attempt is bounded by
// timeout.
func Connect(transport Transport, key *adbkey.Key, timeout time.Duration) (*Session, error) {
	conn, err := transport.dial(timeout)
	if err != nil {
		kind := ConnectUnreachable
		if isTimeout(err) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Transport: transport, Err: err}
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	fail := func(kind ConnectKind, err error) (*Session, error) {
		_ = conn.Close()
		if isTimeout(err) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Transport: transport, Err: err}
	}

	hello := wire.Message{Command: wire.CmdConnect, Arg0: wire.ConnectVersion, Arg1: wire.MaxPayload, Payload: []byte(wire.HostBanner)}
	if err := wire.WriteMessage(conn, hello); err != nil {
		return fail(ConnectUnreachable, err)
	}

	sentSignature := false
	sentPublicKey := false
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return fail(ConnectUnreachable, err)
		}
		switch msg.Command {
		case wire.CmdConnect:
			_ = conn.SetDeadline(time.Time{})
			return &Session{
				transport: transport,
				conn:      conn,
				alive:     true,
				banner:    strings.TrimRight(string(msg.Payload), "\x00"),
				remoteMax: msg.Arg1,
			}, nil
		case wire.CmdAuth:
			if msg.Arg0 != wire.AuthToken {
				return fail(ConnectAuthRejected, fmt.Errorf("unexpected auth type %d", msg.Arg0))
			}
			switch {
			case !sentSignature:
				sig, sigErr := key.Sign(msg.Payload)
				if sigErr != nil {
					return fail(ConnectAuthRejected, sigErr)
				}
				reply := wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthSignature, Payload: sig}
				if err := wire.WriteMessage(conn, reply); err != nil {
					return fail(ConnectUnreachable, err)
				}
				sentSignature = true
			case !sentPublicKey:
				// Our key is unknown to the device; offer the public half so
				// the user can accept it on screen.
				reply := wire.Message{Command: wire.CmdAuth, Arg0: wire.AuthRSAPublicKey, Payload: []byte(key.PublicKeyLine() + "\x00")}
				if err := wire.WriteMessage(conn, reply); err != nil {
					return fail(ConnectUnreachable, err)
				}
				sentPublicKey = true
			default:
				return fail(ConnectAuthRejected, errors.New("device kept challenging after public key offer"))
			}
		case wire.CmdStartTLS:
			return fail(ConnectAuthRejected, errors.New("device requires TLS pairing (wireless debugging), not supported"))
		default:
			return fail(ConnectUnreachable, fmt.Errorf("unexpected %s during handshake", wire.CommandString(msg.Command)))
		}
	}
}

// IsAlive is a cheap local check. It does not prove the remote end is
// responsive; use Probe for that.
func (s *Session) IsAlive() bool { return s != nil && s.alive && s.conn != nil }

// Transport returns the descriptor this session was built on.
func (s *Session) Transport() Transport { return s.transport }

// Banner returns the device's connect banner, for logging.
func (s *Session) Banner() string { return s.banner }

// Probe runs a trivial round-trip command and reports whether the device
// answered within timeout. This is the authoritative liveness test.
func (s *Session) Probe(timeout time.Duration) bool {
	out, err := s.RunShell("echo ok", timeout)
	return err == nil && strings.Contains(out, "ok")
}

// RunShell executes a shell command line and returns the raw output.
func (s *Session) RunShell(command string, timeout time.Duration) (string, error) {
	st, err := s.openStream("shell:"+command, timeout)
	if err != nil {
		return "", err
	}
	return st.collect()
}

// TCPIPMode asks adbd to restart listening on the given TCP port, via the
// dedicated transport-switch service. The daemon restart may drop the
// connection before a clean close; the reply text is the success signal.
func (s *Session) TCPIPMode(port uint16, timeout time.Duration) error {
	st, err := s.openStream(fmt.Sprintf("tcpip:%d", port), timeout)
	if err != nil {
		return err
	}
	out, collectErr := st.collect()
	if strings.Contains(out, "restarting in TCP mode") {
		return nil
	}
	if collectErr != nil {
		return collectErr
	}
	return &ExecError{Kind: ExecProtocol, Op: "tcpip", Err: fmt.Errorf("unexpected response %q", strings.TrimSpace(out))}
}

// PushFile transfers a local file to the device via the sync service.
func (s *Session) PushFile(localPath, remotePath string, timeout time.Duration) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &ExecError{Kind: ExecProtocol, Op: "push", Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return &ExecError{Kind: ExecProtocol, Op: "push", Err: err}
	}

	st, err := s.openStream("sync:", timeout)
	if err != nil {
		return err
	}

	spec := fmt.Sprintf("%s,%d", remotePath, int(fi.Mode().Perm()))
	if err := st.write(append(wire.SyncRequest(wire.SyncSend, uint32(len(spec))), spec...)); err != nil {
		return err
	}
	if err := st.expectOkay(); err != nil {
		return err
	}

	chunk := make([]byte, s.pushChunk())
	for {
		n, readErr := f.Read(chunk)
		if n > 0 {
			if err := st.write(append(wire.SyncRequest(wire.SyncData, uint32(n)), chunk[:n]...)); err != nil {
				return err
			}
			if err := st.expectOkay(); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}

	mtime := uint32(fi.ModTime().Unix())
	if err := st.write(wire.SyncRequest(wire.SyncDone, mtime)); err != nil {
		return err
	}
	if err := st.expectOkay(); err != nil {
		return err
	}
	if err := st.expectSyncOkay(); err != nil {
		return err
	}

	_ = st.write(wire.SyncRequest(wire.SyncQuit, 0))
	st.close()
	return nil
}

// Close releases the transport handle. Idempotent.
func (s *Session) Close() {
	if s == nil || s.conn == nil {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.alive = false
}

func (s *Session) pushChunk() int {
	if s.remoteMax > 0 && s.remoteMax < pushChunkSize {
		return int(s.remoteMax)
	}
	return pushChunkSize
}

// stream is one logical ADB stream. The coordinator serializes sessions, so
// replies are read inline rather than through a demux loop.
type stream struct {
	s      *Session
	local  uint32
	remote uint32
}

func (s *Session) openStream(service string, timeout time.Duration) (*stream, error) {
	if !s.IsAlive() {
		return nil, &ExecError{Kind: ExecNotConnected, Op: opOf(service)}
	}
	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	s.nextID++
	st := &stream{s: s, local: s.nextID}

	open := wire.Message{Command: wire.CmdOpen, Arg0: st.local, Payload: []byte(service + "\x00")}
	if err := wire.WriteMessage(s.conn, open); err != nil {
		return nil, s.ioError(opOf(service), err)
	}
	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return nil, s.ioError(opOf(service), err)
	}
	switch msg.Command {
	case wire.CmdOkay:
		st.remote = msg.Arg0
		return st, nil
	case wire.CmdClose:
		return nil, &ExecError{Kind: ExecProtocol, Op: opOf(service), Err: errors.New("service refused")}
	default:
		return nil, &ExecError{Kind: ExecProtocol, Op: opOf(service), Err: fmt.Errorf("unexpected %s", wire.CommandString(msg.Command))}
	}
}

// collect drains the stream until the device closes it, acking every chunk.
func (st *stream) collect() (string, error) {
	var out strings.Builder
	for {
		msg, err := wire.ReadMessage(st.s.conn)
		if err != nil {
			return out.String(), st.s.ioError("collect", err)
		}
		switch msg.Command {
		case wire.CmdWrite:
			out.Write(msg.Payload)
			if err := st.s.writeMsg(wire.Message{Command: wire.CmdOkay, Arg0: st.local, Arg1: st.remote}); err != nil {
				return out.String(), err
			}
		case wire.CmdClose:
			_ = st.s.writeMsg(wire.Message{Command: wire.CmdClose, Arg0: st.local, Arg1: st.remote})
			return out.String(), nil
		case wire.CmdOkay:
			// ack of one of our writes
		default:
			return out.String(), &ExecError{Kind: ExecProtocol, Op: "collect", Err: fmt.Errorf("unexpected %s", wire.CommandString(msg.Command))}
		}
	}
}

func (st *stream) write(payload []byte) error {
	return st.s.writeMsg(wire.Message{Command: wire.CmdWrite, Arg0: st.local, Arg1: st.remote, Payload: payload})
}

// expectOkay waits for the stream-level ack of our last WRTE.
func (st *stream) expectOkay() error {
	for {
		msg, err := wire.ReadMessage(st.s.conn)
		if err != nil {
			return st.s.ioError("sync", err)
		}
		switch msg.Command {
		case wire.CmdOkay:
			return nil
		case wire.CmdClose:
			return st.s.protoError("sync", errors.New("stream closed mid-transfer"))
		default:
			return st.s.protoError("sync", fmt.Errorf("unexpected %s", wire.CommandString(msg.Command)))
		}
	}
}

// expectSyncOkay waits for the sync sub-protocol verdict after DONE.
func (st *stream) expectSyncOkay() error {
	for {
		msg, err := wire.ReadMessage(st.s.conn)
		if err != nil {
			return st.s.ioError("sync", err)
		}
		switch msg.Command {
		case wire.CmdWrite:
			_ = st.s.writeMsg(wire.Message{Command: wire.CmdOkay, Arg0: st.local, Arg1: st.remote})
			if len(msg.Payload) < 4 {
				return st.s.protoError("sync", errors.New("short sync response"))
			}
			switch string(msg.Payload[:4]) {
			case wire.SyncOkay:
				return nil
			case wire.SyncFail:
				reason := ""
				if len(msg.Payload) > 8 {
					reason = string(msg.Payload[8:])
				}
				return st.s.protoError("sync", fmt.Errorf("device rejected push: %s", reason))
			default:
				return st.s.protoError("sync", fmt.Errorf("unexpected sync id %q", msg.Payload[:4]))
			}
		case wire.CmdOkay:
			// stray ack
		case wire.CmdClose:
			return st.s.protoError("sync", errors.New("stream closed before sync verdict"))
		default:
			return st.s.protoError("sync", fmt.Errorf("unexpected %s", wire.CommandString(msg.Command)))
		}
	}
}

func (st *stream) close() {
	_ = st.s.writeMsg(wire.Message{Command: wire.CmdClose, Arg0: st.local, Arg1: st.remote})
}

func (s *Session) writeMsg(m wire.Message) error {
	if err := wire.WriteMessage(s.conn, m); err != nil {
		return s.ioError(wire.CommandString(m.Command), err)
	}
	return nil
}

// protoError marks the session dead and reports a protocol-level failure.
// An abandoned stream leaves frames in flight (the device's pending CLSE, a
// sync verdict) that the next command would misread, so the session cannot
// be reused once a stream ends uncleanly.
func (s *Session) protoError(op string, err error) error {
	s.alive = false
	return &ExecError{Kind: ExecProtocol, Op: op, Err: err}
}

// ioError classifies a transport error and marks the session dead on hard
// failures so the coordinator rebuilds it.
func (s *Session) ioError(op string, err error) error {
	if isTimeout(err) {
		return &ExecError{Kind: ExecTimeout, Op: op, Err: err}
	}
	s.alive = false
	return &ExecError{Kind: ExecProtocol, Op: op, Err: err}
}

func opOf(service string) string {
	if i := strings.IndexByte(service, ':'); i >= 0 {
		return service[:i]
	}
	return service
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
