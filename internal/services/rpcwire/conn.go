// Package rpcwire carries net/rpc over SOCK_SEQPACKET unix sockets. Frame bodies that
// exceed InlineLimit are staged to an unlinked file and passed as a descriptor.
package rpcwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/fgeck/droidbackup/internal/services/transfer"
	"golang.org/x/sys/unix"
)

const (
	// Network is the socket type used for every connection.
	Network = "unixpacket"
	// MaxFrameSize bounds one datagram.
	MaxFrameSize = 64 << 10
	// InlineLimit is the largest body sent inside a frame.
	InlineLimit = 48 << 10
)

var (
	// ErrFrameTooLarge is returned when a datagram does not fit MaxFrameSize.
	ErrFrameTooLarge = errors.New("rpcwire: frame too large")
	// ErrUnauthorized is returned when the session handshake is rejected.
	ErrUnauthorized = errors.New("rpcwire: unauthorized")
)

type frame struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method,omitempty"`
	Error  string          `json:"error,omitempty"`
	Staged bool            `json:"staged,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Conn reads and writes JSON frames on one socket.
type Conn struct {
	uc     *net.UnixConn
	stager *transfer.Stager

	wmu  sync.Mutex
	rbuf []byte
	oob  []byte

	done     chan struct{}
	doneOnce sync.Once
}

// NewConn wraps a connected unixpacket socket. Large outgoing bodies are staged in stager.
func NewConn(uc *net.UnixConn, stager *transfer.Stager) *Conn {
	return &Conn{
		uc:     uc,
		stager: stager,
		rbuf:   make([]byte, MaxFrameSize),
		oob:    make([]byte, unix.CmsgSpace(4*4)),
		done:   make(chan struct{}),
	}
}

// Dial connects to a rootd socket.
func Dial(ctx context.Context, path string) (*net.UnixConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, Network, path)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	return uc, nil
}

// Listen removes a stale socket file and listens on path.
func Listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	return net.ListenUnix(Network, &net.UnixAddr{Name: path, Net: Network})
}

// Done is closed once the peer hangs up or reading fails.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the socket.
func (c *Conn) Close() error {
	c.markDone()
	return c.uc.Close()
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writeFrame marshals body and sends one frame, staging the body when it is large.
func (c *Conn) writeFrame(f frame, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}

	var oob []byte
	if len(data) > InlineLimit {
		if c.stager == nil {
			return fmt.Errorf("body of %d bytes: %w", len(data), ErrFrameTooLarge)
		}
		file, err := c.stager.Stage(data)
		if err != nil {
			return err
		}
		// The kernel holds its own reference once the message is sent.
		defer func() { _ = file.Close() }()
		oob = unix.UnixRights(int(file.Fd()))
		f.Staged = true
	} else {
		f.Body = data
	}

	buf, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(buf) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, _, err := c.uc.WriteMsgUnix(buf, oob, nil); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readFrame receives one frame and resolves its body, consuming a staged descriptor if present.
func (c *Conn) readFrame() (frame, []byte, error) {
	var f frame

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(c.rbuf, c.oob)
	if err != nil {
		c.markDone()
		return f, nil, err
	}
	if n == 0 && oobn == 0 {
		c.markDone()
		return f, nil, io.EOF
	}

	files, err := parseRights(c.oob[:oobn])
	if err != nil {
		return f, nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeAll(files)
		return f, nil, ErrFrameTooLarge
	}

	if err := json.Unmarshal(c.rbuf[:n], &f); err != nil {
		closeAll(files)
		return f, nil, fmt.Errorf("decoding frame: %w", err)
	}

	if !f.Staged {
		closeAll(files)
		return f, f.Body, nil
	}
	if len(files) != 1 {
		closeAll(files)
		return f, nil, fmt.Errorf("staged frame carried %d descriptors", len(files))
	}
	body, err := transfer.Consume(files[0])
	if err != nil {
		return f, nil, err
	}
	return f, body, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "staged-payload"))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// PeerCred returns the credentials of the process on the other end of the socket.
func PeerCred(uc *net.UnixConn) (*unix.Ucred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	return cred, credErr
}
