package rsp

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Backend is the device side of a Server.
type Backend interface {
	// HaltReason returns the stop reply, e.g. "S05" when halted.
	HaltReason() string
	// Monitor executes a monitor command, writing console output to out.
	Monitor(cmd string, out io.Writer) error
	ReadMemory(addr uint32, n int) ([]byte, error)
	WriteMemory(addr uint32, data []byte) error
	// MemoryMap returns the memory-map XML, or nil if none is available.
	MemoryMap() []byte
	FlashErase(addr, length uint32) error
	FlashWrite(addr uint32, data []byte) error
	FlashDone() error
	InsertBreakpoint(typ BreakpointType, addr, kind uint32) error
	RemoveBreakpoint(typ BreakpointType, addr, kind uint32) error
}

// Server exposes a Backend over the remote serial protocol. Connections are
// served one at a time; the debug port is exclusively owned by one client.
type Server struct {
	Backend    Backend
	PacketSize int

	mu     sync.Mutex
	ln     net.Listener
	active net.Conn
	closed bool
}

// NewServer creates a server for backend.
func NewServer(backend Backend) *Server {
	return &Server{Backend: backend, PacketSize: 0x1000}
}

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("rsp: server closed")

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and serves them sequentially.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		glog.Infof("rsp: client %s connected", conn.RemoteAddr())
		s.mu.Lock()
		s.active = conn
		s.mu.Unlock()
		if err := s.ServeConn(conn); err != nil && !errors.Is(err, io.EOF) {
			glog.Warningf("rsp: client %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		glog.Infof("rsp: client %s disconnected", conn.RemoteAddr())
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and drops the active client.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.active != nil {
		s.active.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

type serverConn struct {
	srv   *Server
	conn  io.ReadWriter
	r     *bufio.Reader
	noAck bool
	last  []byte
}

// ServeConn handles packets on conn until the client detaches, kills the
// session or the connection fails.
func (s *Server) ServeConn(conn io.ReadWriter) error {
	sc := &serverConn{srv: s, conn: conn, r: bufio.NewReader(conn)}
	for {
		// Acks from the client carry no information for us, except a NAK
		// asking for the last reply again.
		b, err := sc.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ackByte:
			sc.r.ReadByte()
			continue
		case nackByte:
			sc.r.ReadByte()
			if sc.last != nil {
				if _, err := conn.Write(sc.last); err != nil {
					return err
				}
			}
			continue
		case 0x03:
			// Interrupt; the simulated core is already stopped.
			sc.r.ReadByte()
			if err := sc.reply([]byte(s.Backend.HaltReason())); err != nil {
				return err
			}
			continue
		}

		payload, err := readPacket(sc.r)
		if errors.Is(err, ErrChecksum) {
			if !sc.noAck {
				conn.Write([]byte{nackByte})
			}
			continue
		}
		if err != nil {
			return err
		}
		if !sc.noAck {
			if _, err := conn.Write([]byte{ackByte}); err != nil {
				return err
			}
		}

		done, err := sc.handle(payload)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (sc *serverConn) reply(payload []byte) error {
	frame := Frame(payload)
	sc.last = frame
	_, err := sc.conn.Write(frame)
	return err
}

func (sc *serverConn) replyErr(err error) error {
	var er *ErrorReply
	if errors.As(err, &er) {
		return sc.reply([]byte(fmt.Sprintf("E%02X", er.Code)))
	}
	return sc.reply([]byte("E01"))
}

func (sc *serverConn) replyResult(err error) error {
	if err != nil {
		return sc.replyErr(err)
	}
	return sc.reply([]byte("OK"))
}

func (sc *serverConn) handle(payload []byte) (bool, error) {
	b := sc.srv.Backend
	p := string(payload)
	switch {
	case strings.HasPrefix(p, "qSupported"):
		features := fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;hwbreak+", sc.srv.PacketSize)
		if b.MemoryMap() != nil {
			features += ";qXfer:memory-map:read+"
		}
		return false, sc.reply([]byte(features))

	case p == "QStartNoAckMode":
		err := sc.reply([]byte("OK"))
		sc.noAck = true
		return false, err

	case p == "?":
		return false, sc.reply([]byte(b.HaltReason()))

	case strings.HasPrefix(p, "qRcmd,"):
		cmd, err := hex.DecodeString(p[len("qRcmd,"):])
		if err != nil {
			return false, sc.replyErr(err)
		}
		var out bytes.Buffer
		merr := b.Monitor(string(cmd), &out)
		if out.Len() > 0 {
			if err := sc.reply([]byte("O" + hex.EncodeToString(out.Bytes()))); err != nil {
				return false, err
			}
		}
		return false, sc.replyResult(merr)

	case strings.HasPrefix(p, "qCRC:"):
		addr, length, err := parseAddrLen(p[len("qCRC:"):])
		if err != nil {
			return false, sc.replyErr(err)
		}
		data, err := b.ReadMemory(addr, int(length))
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.reply([]byte(fmt.Sprintf("C%x", CRC32(CRCInit, data))))

	case strings.HasPrefix(p, "qXfer:memory-map:read::"):
		doc := b.MemoryMap()
		if doc == nil {
			return false, sc.reply(nil)
		}
		off, length, err := parseAddrLen(p[len("qXfer:memory-map:read::"):])
		if err != nil {
			return false, sc.replyErr(err)
		}
		if int(off) >= len(doc) {
			return false, sc.reply([]byte("l"))
		}
		end := min(int(off)+int(length), len(doc))
		marker := byte('m')
		if end == len(doc) {
			marker = 'l'
		}
		return false, sc.reply(append([]byte{marker}, Escape(doc[off:end])...))

	case strings.HasPrefix(p, "m"):
		addr, length, err := parseAddrLen(p[1:])
		if err != nil {
			return false, sc.replyErr(err)
		}
		data, err := b.ReadMemory(addr, int(length))
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.reply([]byte(hex.EncodeToString(data)))

	case strings.HasPrefix(p, "M"):
		head, body, ok := strings.Cut(p[1:], ":")
		if !ok {
			return false, sc.replyErr(fmt.Errorf("malformed M packet"))
		}
		addr, _, err := parseAddrLen(head)
		if err != nil {
			return false, sc.replyErr(err)
		}
		data, err := hex.DecodeString(body)
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.replyResult(b.WriteMemory(addr, data))

	case strings.HasPrefix(p, "X"):
		addr, data, err := splitBinary(payload[1:], true)
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.replyResult(b.WriteMemory(addr, data))

	case strings.HasPrefix(p, "vFlashErase:"):
		addr, length, err := parseAddrLen(p[len("vFlashErase:"):])
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.replyResult(b.FlashErase(addr, length))

	case strings.HasPrefix(p, "vFlashWrite:"):
		addr, data, err := splitBinary(payload[len("vFlashWrite:"):], false)
		if err != nil {
			return false, sc.replyErr(err)
		}
		return false, sc.replyResult(b.FlashWrite(addr, data))

	case p == "vFlashDone":
		return false, sc.replyResult(b.FlashDone())

	case len(p) > 1 && (p[0] == 'Z' || p[0] == 'z'):
		typ, addr, kind, err := parseBreakpoint(p[1:])
		if err != nil {
			return false, sc.replyErr(err)
		}
		if p[0] == 'Z' {
			return false, sc.replyResult(b.InsertBreakpoint(typ, addr, kind))
		}
		return false, sc.replyResult(b.RemoveBreakpoint(typ, addr, kind))

	case p == "D" || strings.HasPrefix(p, "D;"):
		return true, sc.reply([]byte("OK"))

	case p == "k":
		return true, nil
	}

	return false, sc.reply(nil)
}

func parseAddrLen(s string) (uint32, uint32, error) {
	a, l, ok := strings.Cut(s, ",")
	if !ok {
		a, l = s, "0"
	}
	addr, err := strconv.ParseUint(a, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rsp: bad address %q", a)
	}
	length, err := strconv.ParseUint(l, 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("rsp: bad length %q", l)
	}
	return uint32(addr), uint32(length), nil
}

// splitBinary parses "addr[,len]:escaped-data".
func splitBinary(p []byte, withLen bool) (uint32, []byte, error) {
	i := bytes.IndexByte(p, ':')
	if i < 0 {
		return 0, nil, fmt.Errorf("rsp: malformed binary packet")
	}
	addr, length, err := parseAddrLen(string(p[:i]))
	if err != nil {
		return 0, nil, err
	}
	data, err := Unescape(p[i+1:])
	if err != nil {
		return 0, nil, err
	}
	if withLen && int(length) != len(data) {
		return 0, nil, fmt.Errorf("rsp: length %d does not match %d data bytes", length, len(data))
	}
	return addr, data, nil
}

func parseBreakpoint(s string) (BreakpointType, uint32, uint32, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return 0, 0, 0, fmt.Errorf("rsp: malformed breakpoint packet")
	}
	typ, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	addr, kind, err := parseAddrLen(parts[1] + "," + parts[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return BreakpointType(typ), addr, kind, nil
}
