package rsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	// DefaultPacketSize is assumed until qSupported reports otherwise.
	DefaultPacketSize = 0x400

	// DefaultDialTimeout bounds the TCP connect phase.
	DefaultDialTimeout = 5 * time.Second

	defaultRetransmits = 3
)

// BreakpointType selects the Z/z packet variant.
type BreakpointType uint8

const (
	SoftwareBreakpoint BreakpointType = 0
	HardwareBreakpoint BreakpointType = 1
)

// Options configures Dial.
type Options struct {
	DialTimeout time.Duration
	// Retransmits bounds resends of a packet the remote NAKs.
	Retransmits int
	// DisableNoAck keeps acknowledgement mode even if the server offers
	// QStartNoAckMode.
	DisableNoAck bool
}

// Client speaks the GDB remote serial protocol over a single connection.
// Requests are serialised; a Client may be shared between goroutines.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	mu          sync.Mutex
	noAck       bool
	retransmits int
	packetSize  int
	features    map[string]string
	noX         bool
}

// Dial connects to addr and performs the qSupported handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rsp: dial %s: %w", addr, err)
	}

	c := NewClient(conn)
	if opts.Retransmits > 0 {
		c.retransmits = opts.Retransmits
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.handshake(hctx, !opts.DisableNoAck); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rsp: handshake with %s: %w", addr, err)
	}
	return c, nil
}

// NewClient wraps an established connection without any handshake.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:        conn,
		r:           bufio.NewReader(conn),
		retransmits: defaultRetransmits,
		packetSize:  DefaultPacketSize,
		features:    make(map[string]string),
	}
}

func (c *Client) handshake(ctx context.Context, wantNoAck bool) error {
	reply, err := c.Request(ctx, "qSupported:swbreak+;hwbreak+")
	if err != nil {
		return err
	}
	c.parseFeatures(string(reply))

	if wantNoAck && c.Supports("QStartNoAckMode") {
		reply, err := c.Request(ctx, "QStartNoAckMode")
		if err != nil {
			return err
		}
		if err := expectOK(reply); err == nil {
			c.mu.Lock()
			c.noAck = true
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Client) parseFeatures(reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range strings.Split(reply, ";") {
		if f == "" {
			continue
		}
		if name, value, ok := strings.Cut(f, "="); ok {
			c.features[name] = value
			if name == "PacketSize" {
				if n, err := strconv.ParseUint(value, 16, 32); err == nil && n > 64 {
					c.packetSize = int(n)
				}
			}
			continue
		}
		switch f[len(f)-1] {
		case '+', '-', '?':
			c.features[f[:len(f)-1]] = f[len(f)-1:]
		default:
			c.features[f] = "+"
		}
	}
}

// Supports reports whether the remote advertised feature with "+" or a value.
func (c *Client) Supports(feature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.features[feature]
	return ok && v != "-"
}

// PacketSize returns the negotiated maximum packet size.
func (c *Client) PacketSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packetSize
}

// RemoteAddr returns the address of the connected server.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Request sends payload and returns the run-length expanded reply.
func (c *Client) Request(ctx context.Context, payload string) ([]byte, error) {
	return c.exchange(ctx, []byte(payload), nil)
}

// exchange sends one packet and waits for the reply. When onOutput is set,
// intermediate console output packets (O<hex>) are decoded and passed to it.
func (c *Client) exchange(ctx context.Context, payload []byte, onOutput func([]byte)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	release := c.bind(ctx)
	defer release()

	reply, err := c.roundTrip(payload, onOutput)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return reply, nil
}

// bind maps the context deadline and cancellation onto the connection.
func (c *Client) bind(ctx context.Context) func() {
	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) roundTrip(payload []byte, onOutput func([]byte)) ([]byte, error) {
	frame := Frame(payload)
	if glog.V(2) {
		glog.Infof("rsp -> %s", truncate(payload))
	}

	if err := c.send(frame); err != nil {
		return nil, err
	}

	for {
		reply, err := readPacket(c.r)
		if errors.Is(err, ErrChecksum) && !c.noAck {
			if _, werr := c.conn.Write([]byte{nackByte}); werr != nil {
				return nil, werr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !c.noAck {
			if _, err := c.conn.Write([]byte{ackByte}); err != nil {
				return nil, err
			}
		}

		reply, err = ExpandRLE(reply)
		if err != nil {
			return nil, err
		}
		if glog.V(2) {
			glog.Infof("rsp <- %s", truncate(reply))
		}

		if onOutput != nil && len(reply) > 1 && reply[0] == 'O' && string(reply) != "OK" {
			text, err := hex.DecodeString(string(reply[1:]))
			if err != nil {
				return nil, fmt.Errorf("rsp: malformed console output: %w", err)
			}
			onOutput(text)
			continue
		}
		return reply, nil
	}
}

// send writes the frame and, in acknowledgement mode, waits for the ack,
// resending on NAK up to the configured limit.
func (c *Client) send(frame []byte) error {
	for attempt := 0; ; attempt++ {
		if _, err := c.conn.Write(frame); err != nil {
			return err
		}
		if c.noAck {
			return nil
		}

		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ackByte:
			return nil
		case nackByte:
			if attempt+1 >= c.retransmits {
				return fmt.Errorf("rsp: packet rejected %d times", attempt+1)
			}
		default:
			// Some stubs reply without acking; leave the byte for readPacket.
			if err := c.r.UnreadByte(); err != nil {
				return err
			}
			return nil
		}
	}
}

// Monitor runs a monitor (qRcmd) command and returns its console output.
func (c *Client) Monitor(ctx context.Context, cmd string) (string, error) {
	var out bytes.Buffer
	payload := "qRcmd," + hex.EncodeToString([]byte(cmd))
	reply, err := c.exchange(ctx, []byte(payload), func(text []byte) {
		out.Write(text)
	})
	if err != nil {
		return out.String(), err
	}
	if err := parseReplyError(reply); err != nil {
		return out.String(), err
	}
	if string(reply) != "OK" {
		text, err := hex.DecodeString(string(reply))
		if err != nil {
			return out.String(), fmt.Errorf("rsp: unexpected monitor reply %q", truncate(reply))
		}
		out.Write(text)
	}
	return out.String(), nil
}

// HaltReason sends "?" and returns the raw stop reply (e.g. "S05", "T05...").
func (c *Client) HaltReason(ctx context.Context) (string, error) {
	reply, err := c.Request(ctx, "?")
	if err != nil {
		return "", err
	}
	if err := parseReplyError(reply); err != nil {
		return "", err
	}
	return string(reply), nil
}

// maxHexChunk is the largest byte count whose hex form fits a packet.
func (c *Client) maxHexChunk() int {
	n := (c.PacketSize() - 32) / 2
	if n < 16 {
		n = 16
	}
	return n
}

// ReadMemory reads n bytes starting at addr.
func (c *Client) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	chunk := c.maxHexChunk()
	for done := 0; done < n; {
		size := min(chunk, n-done)
		reply, err := c.Request(ctx, fmt.Sprintf("m%x,%x", addr+uint32(done), size))
		if err != nil {
			return nil, err
		}
		if err := parseReplyError(reply); err != nil {
			return nil, fmt.Errorf("rsp: read 0x%08x: %w", addr+uint32(done), err)
		}
		data, err := hex.DecodeString(string(reply))
		if err != nil {
			return nil, fmt.Errorf("rsp: read 0x%08x: %w", addr+uint32(done), err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("rsp: read 0x%08x: short reply", addr+uint32(done))
		}
		out = append(out, data...)
		done += len(data)
	}
	return out, nil
}

// WriteMemory writes data at addr using binary X packets, falling back to
// hex M packets when the remote lacks X.
func (c *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	chunk := c.maxHexChunk()
	for done := 0; done < len(data); done += chunk {
		part := data[done:min(done+chunk, len(data))]
		if err := c.writeChunk(ctx, addr+uint32(done), part); err != nil {
			return fmt.Errorf("rsp: write 0x%08x: %w", addr+uint32(done), err)
		}
	}
	return nil
}

func (c *Client) writeChunk(ctx context.Context, addr uint32, part []byte) error {
	c.mu.Lock()
	useX := !c.noX
	c.mu.Unlock()

	if useX {
		payload := append([]byte(fmt.Sprintf("X%x,%x:", addr, len(part))), Escape(part)...)
		reply, err := c.exchange(ctx, payload, nil)
		if err != nil {
			return err
		}
		if len(reply) != 0 {
			return expectOK(reply)
		}
		c.mu.Lock()
		c.noX = true
		c.mu.Unlock()
	}

	reply, err := c.Request(ctx, fmt.Sprintf("M%x,%x:%s", addr, len(part), hex.EncodeToString(part)))
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// FlashErase erases length bytes of flash at addr. The range must be
// aligned to the region's erase block size.
func (c *Client) FlashErase(ctx context.Context, addr, length uint32) error {
	reply, err := c.Request(ctx, fmt.Sprintf("vFlashErase:%x,%x", addr, length))
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// FlashWrite queues data for programming at addr. Nothing is committed
// until FlashDone.
func (c *Client) FlashWrite(ctx context.Context, addr uint32, data []byte) error {
	chunk := c.maxHexChunk()
	for done := 0; done < len(data); done += chunk {
		part := data[done:min(done+chunk, len(data))]
		payload := append([]byte(fmt.Sprintf("vFlashWrite:%x:", addr+uint32(done))), Escape(part)...)
		reply, err := c.exchange(ctx, payload, nil)
		if err != nil {
			return err
		}
		if err := expectOK(reply); err != nil {
			return fmt.Errorf("rsp: flash write 0x%08x: %w", addr+uint32(done), err)
		}
	}
	return nil
}

// FlashDone commits queued flash writes.
func (c *Client) FlashDone(ctx context.Context) error {
	reply, err := c.Request(ctx, "vFlashDone")
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// CRC asks the remote for the qCRC checksum of a memory range.
func (c *Client) CRC(ctx context.Context, addr, length uint32) (uint32, error) {
	reply, err := c.Request(ctx, fmt.Sprintf("qCRC:%x,%x", addr, length))
	if err != nil {
		return 0, err
	}
	if err := parseReplyError(reply); err != nil {
		return 0, err
	}
	if len(reply) < 2 || reply[0] != 'C' {
		return 0, fmt.Errorf("rsp: unexpected qCRC reply %q", truncate(reply))
	}
	v, err := strconv.ParseUint(string(reply[1:]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("rsp: unexpected qCRC reply %q", truncate(reply))
	}
	return uint32(v), nil
}

// MemoryMap fetches the target memory-map XML document.
func (c *Client) MemoryMap(ctx context.Context) ([]byte, error) {
	if !c.Supports("qXfer:memory-map:read") {
		return nil, ErrUnsupported
	}

	var doc []byte
	chunk := c.PacketSize() - 16
	for {
		reply, err := c.Request(ctx, fmt.Sprintf("qXfer:memory-map:read::%x,%x", len(doc), chunk))
		if err != nil {
			return nil, err
		}
		if err := parseReplyError(reply); err != nil {
			return nil, err
		}
		data, err := Unescape(reply[1:])
		if err != nil {
			return nil, err
		}
		doc = append(doc, data...)
		switch reply[0] {
		case 'l':
			return doc, nil
		case 'm':
			if len(data) == 0 {
				return nil, fmt.Errorf("rsp: memory map transfer stalled")
			}
		default:
			return nil, fmt.Errorf("rsp: unexpected qXfer reply %q", truncate(reply))
		}
	}
}

// InsertBreakpoint sets a breakpoint of the given type. kind is the
// architecture-specific length (2 for Thumb).
func (c *Client) InsertBreakpoint(ctx context.Context, typ BreakpointType, addr, kind uint32) error {
	reply, err := c.Request(ctx, fmt.Sprintf("Z%d,%x,%x", typ, addr, kind))
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// RemoveBreakpoint clears a breakpoint previously set with InsertBreakpoint.
func (c *Client) RemoveBreakpoint(ctx context.Context, typ BreakpointType, addr, kind uint32) error {
	reply, err := c.Request(ctx, fmt.Sprintf("z%d,%x,%x", typ, addr, kind))
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// Detach ends the debug session without killing the target.
func (c *Client) Detach(ctx context.Context) error {
	reply, err := c.Request(ctx, "D")
	if err != nil {
		return err
	}
	return expectOK(reply)
}
