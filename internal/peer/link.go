package peer

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/meshpay/connector/internal/packet"
)

const (
	heartbeatInterval = 15 * time.Second

	// readWait must exceed the peer's heartbeat interval so an idle but
	// healthy link is not torn down.
	readWait = 45 * time.Second

	writeWait   = 10 * time.Second
	dialTimeout = 10 * time.Second
	authWait    = 10 * time.Second
	sendBacklog = 256
)

// ErrLinkClosed is returned by sends on a closed link.
var ErrLinkClosed = errors.New("peer link closed")

// Handler receives inbound packets from a link. Implementations must not
// block; slow work is the handler's problem to offload.
type Handler interface {
	HandlePrepare(peerID string, p *packet.Prepare)
	HandleFulfill(peerID string, f *packet.Fulfill)
	HandleReject(peerID string, r *packet.Reject)
}

// Link is one authenticated TCP connection to a peer. All writes are
// serialized through the send channel into the write pump; the read loop
// decodes frames and dispatches to the handler. Closing is idempotent.
type Link struct {
	PeerID string

	conn    net.Conn
	handler Handler
	onClose func(peerID string)
	logger  *log.Logger

	send chan *Frame
	done chan struct{}
	once sync.Once
}

func newLink(conn net.Conn, peerID string, handler Handler, onClose func(string)) *Link {
	l := &Link{
		PeerID:  peerID,
		conn:    conn,
		handler: handler,
		onClose: onClose,
		logger:  log.New(log.Writer(), "[Peer:"+peerID+"] ", log.LstdFlags),
		send:    make(chan *Frame, sendBacklog),
		done:    make(chan struct{}),
	}
	go l.writePump()
	go l.readLoop()
	return l
}

// Close tears the link down exactly once.
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
		if l.onClose != nil {
			l.onClose(l.PeerID)
		}
		l.logger.Printf("link closed")
	})
}

func (l *Link) enqueue(f *Frame) error {
	// Checked first: a select racing a buffered send against a closed
	// done channel picks arbitrarily, which would let frames queue on a
	// link no pump will ever drain.
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- f:
		return nil
	case <-l.done:
		return ErrLinkClosed
	}
}

// SendPrepare forwards a prepare to the peer.
func (l *Link) SendPrepare(p *packet.Prepare) error {
	f, err := EncodePrepare(p)
	if err != nil {
		return err
	}
	return l.enqueue(f)
}

// SendFulfill returns a fulfill to the peer.
func (l *Link) SendFulfill(f *packet.Fulfill) error {
	frame, err := EncodeFulfill(f)
	if err != nil {
		return err
	}
	return l.enqueue(frame)
}

// SendReject returns a reject to the peer.
func (l *Link) SendReject(r *packet.Reject) error {
	frame, err := EncodeReject(r)
	if err != nil {
		return err
	}
	return l.enqueue(frame)
}

// writePump owns all writes to the connection, including heartbeats.
func (l *Link) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		l.Close()
	}()

	w := bufio.NewWriter(l.conn)
	for {
		select {
		case f := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := WriteFrame(w, f); err != nil {
				l.logger.Printf("write %s failed: %v", f.Type, err)
				return
			}
			// Flush backlog in one syscall where possible.
			n := len(l.send)
			for i := 0; i < n; i++ {
				if err := WriteFrame(w, <-l.send); err != nil {
					l.logger.Printf("write failed: %v", err)
					return
				}
			}
			if err := w.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := WriteFrame(w, &Frame{Type: MsgHeartbeat}); err != nil {
				l.logger.Printf("heartbeat failed: %v", err)
				return
			}
			if err := w.Flush(); err != nil {
				return
			}

		case <-l.done:
			return
		}
	}
}

// readLoop owns all reads. Any protocol violation or read error closes
// the link; the connector synthesizes rejects for in-flight packets.
func (l *Link) readLoop() {
	defer l.Close()

	r := bufio.NewReader(l.conn)
	for {
		l.conn.SetReadDeadline(time.Now().Add(readWait))
		f, err := ReadFrame(r)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Printf("read failed: %v", err)
			}
			return
		}

		switch f.Type {
		case MsgHeartbeat:
			// Liveness only; the read deadline reset is the effect.
		case MsgPrepare:
			p, err := DecodePrepare(f)
			if err != nil {
				l.logger.Printf("bad prepare: %v", err)
				continue
			}
			l.handler.HandlePrepare(l.PeerID, p)
		case MsgFulfill:
			fl, err := DecodeFulfill(f)
			if err != nil {
				l.logger.Printf("bad fulfill: %v", err)
				continue
			}
			l.handler.HandleFulfill(l.PeerID, fl)
		case MsgReject:
			rj, err := DecodeReject(f)
			if err != nil {
				l.logger.Printf("bad reject: %v", err)
				continue
			}
			l.handler.HandleReject(l.PeerID, rj)
		default:
			l.logger.Printf("unexpected frame type %q, dropping link", f.Type)
			return
		}
	}
}

// Dial connects to a peer, authenticates with the shared token, and
// returns the established link.
func Dial(addr, localNodeID, token string, handler Handler, onClose func(string)) (*Link, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	authFrame, err := newFrame(MsgAuth, "", AuthPayload{NodeID: localNodeID, Token: token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(authWait))
	if err := WriteFrame(conn, authFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth write to %s: %w", addr, err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth read from %s: %w", addr, err)
	}
	if reply.Type != MsgAuthOK {
		conn.Close()
		return nil, fmt.Errorf("auth to %s refused: got %s", addr, reply.Type)
	}
	var ok AuthOKPayload
	if err := json.Unmarshal(reply.Payload, &ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth reply from %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return newLink(conn, ok.NodeID, handler, onClose), nil
}

// Listener accepts inbound peer connections and authenticates them
// before registering the link.
type Listener struct {
	nodeID string
	tokens map[string]string // peerID -> expected token
	ln     net.Listener
	logger *log.Logger

	handler    Handler
	onAccepted func(*Link)
	onClose    func(string)

	done chan struct{}
	once sync.Once
}

// NewListener starts accepting on addr. onAccepted runs for each
// authenticated inbound link.
func NewListener(addr, nodeID string, tokens map[string]string, handler Handler, onAccepted func(*Link), onClose func(string)) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &Listener{
		nodeID:     nodeID,
		tokens:     tokens,
		ln:         ln,
		logger:     log.New(log.Writer(), "[PeerListener] ", log.LstdFlags),
		handler:    handler,
		onAccepted: onAccepted,
		onClose:    onClose,
		done:       make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Established links are not touched.
func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.done)
		l.ln.Close()
	})
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Printf("accept failed: %v", err)
			}
			return
		}
		go l.handshake(conn)
	}
}

// handshake authenticates one inbound connection. The token comparison
// is constant-time.
func (l *Listener) handshake(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(authWait))

	f, err := ReadFrame(conn)
	if err != nil || f.Type != MsgAuth {
		conn.Close()
		return
	}
	var auth AuthPayload
	if err := json.Unmarshal(f.Payload, &auth); err != nil {
		conn.Close()
		return
	}

	expected, known := l.tokens[auth.NodeID]
	if !known || subtle.ConstantTimeCompare([]byte(expected), []byte(auth.Token)) != 1 {
		l.logger.Printf("auth failed for claimed node %q", auth.NodeID)
		conn.Close()
		return
	}

	okFrame, err := newFrame(MsgAuthOK, "", AuthOKPayload{NodeID: l.nodeID})
	if err != nil || WriteFrame(conn, okFrame) != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	link := newLink(conn, auth.NodeID, l.handler, l.onClose)
	l.logger.Printf("peer %s connected from %s", auth.NodeID, conn.RemoteAddr())
	if l.onAccepted != nil {
		l.onAccepted(link)
	}
}
