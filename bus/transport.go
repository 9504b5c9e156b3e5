package bus

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"mtmcore/config"
	"mtmcore/mtm"
)

// Handler dispatches one decoded Envelope. Implementations live in the
// packages that own the corresponding state (generation, campaign,
// txn/coordinator, txn/participant, resolver).
type Handler interface {
	HandleEnvelope(env Envelope)
}

// Peer is a known bus address for one node.
type Peer struct {
	Node mtm.NodeID
	Addr string
}

// Transport is a newline-delimited JSON bus over plain TCP, one
// persistent outbound connection per peer, cached in connMap by node id.
// It is not itself a
// reliability layer: a dead connection is redialed on the next Send, and
// a send that fails is logged and dropped — callers that need
// reliability implement their own retry (the Campaigner's jittered
// retries, the Coordinator's ack-wait timeout).
type Transport struct {
	me      mtm.NodeID
	peers   map[mtm.NodeID]string
	handler Handler

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	connMu  sync.Mutex
	connMap map[mtm.NodeID]net.Conn
}

// NewTransport builds a Transport for node me, bound to listenAddr, with
// the given peer address book.
func NewTransport(me mtm.NodeID, listenAddr string, peers []Peer, handler Handler) (*Transport, error) {
	t := &Transport{
		me:      me,
		peers:   make(map[mtm.NodeID]string, len(peers)),
		handler: handler,
		done:    make(chan struct{}),
		connMap: make(map[mtm.NodeID]net.Conn),
	}
	for _, p := range peers {
		t.peers[p.Node] = p.Addr
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: listen %s: %w", listenAddr, err)
	}
	t.listener = ln
	return t, nil
}

// Run accepts inbound connections until Close. Meant to be called in its
// own goroutine.
func (t *Transport) Run() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				config.Warn(false, "bus: accept: %v", err)
				continue
			}
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var env Envelope
			if jerr := json.Unmarshal(line, &env); jerr != nil {
				config.Warn(false, "bus: decode envelope: %v", jerr)
			} else {
				t.handler.HandleEnvelope(env)
			}
		}
		if err != nil {
			return
		}
	}
}

// Close stops accepting, closes every cached outbound connection, and
// waits for in-flight handlers to drain.
func (t *Transport) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.connMu.Lock()
	for _, c := range t.connMap {
		c.Close()
	}
	t.connMu.Unlock()
	t.wg.Wait()
	return err
}

func (t *Transport) connFor(peer mtm.NodeID) (net.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if c, ok := t.connMap[peer]; ok {
		return c, nil
	}
	addr, ok := t.peers[peer]
	if !ok {
		return nil, fmt.Errorf("bus: no address for node %d", peer)
	}
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	t.connMap[peer] = c
	return c, nil
}

func (t *Transport) dropConn(peer mtm.NodeID) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if c, ok := t.connMap[peer]; ok {
		c.Close()
		delete(t.connMap, peer)
	}
}

// Send encodes msg as the given MsgType and writes it to peer, newline
// terminated. On a write failure the cached connection is dropped so the
// next Send redials.
func (t *Transport) Send(peer mtm.NodeID, typ MsgType, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode body: %w", err)
	}
	env := Envelope{Type: typ, From: t.me, Body: body}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	line = append(line, '\n')

	conn, err := t.connFor(peer)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(1 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(line); err != nil {
		t.dropConn(peer)
		return fmt.Errorf("bus: send to %d: %w", peer, err)
	}
	return nil
}

// Broadcast sends msg to every node in to except the local node.
func (t *Transport) Broadcast(to mtm.NodeMask, typ MsgType, msg interface{}) {
	for _, peer := range to.Without(t.me).Nodes() {
		if err := t.Send(peer, typ, msg); err != nil {
			config.Warn(false, "bus: broadcast to %d: %v", peer, err)
		}
	}
}

// Decode unmarshals env.Body into v, the common second step after a
// Handler's type switch on env.Type.
func Decode(env Envelope, v interface{}) error {
	return json.Unmarshal(env.Body, v)
}
