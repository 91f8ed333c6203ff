package tcp

import (
	"bytes"
	"encoding/gob"
	"io"
	"net"
	"sync"

	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
	"p2pcdn/pkg/transport"
)

// TCPNode implements transport.Node
type TCPNode struct {
	conn net.Conn
	lock sync.Mutex
	// true when we dialed the connection, false when it was accepted
	outbound bool
}

func NewTCPNode(conn net.Conn, outbound bool) *TCPNode {
	return &TCPNode{
		conn:     conn,
		outbound: outbound,
	}
}

func (n *TCPNode) Send(msg any) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	// 1. Encode payload to memory buffer to know its size
	dataMessage := protocol.DataMessage{
		Incoming: protocol.IncomingMessageType,
		Msg:      msg,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dataMessage); err != nil {
		return err
	}
	payloadBytes := buf.Bytes()

	// 2. Write Header (Control Frame)
	if err := writeFrameHeader(n.conn, FrameTypeControl, uint32(len(payloadBytes))); err != nil {
		return err
	}

	// 3. Write Payload
	_, err := n.conn.Write(payloadBytes)
	return err
}

func (n *TCPNode) Close() error {
	return n.conn.Close()
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr   string
	listener     net.Listener
	rpcCh        chan protocol.RPC
	onPeer       func(transport.Node) error
	onDisconnect func(remoteAddr string)
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		rpcCh:      make(chan protocol.RPC, 1024),
	}
}

func (t *TCPTransport) SetOnPeer(f func(transport.Node) error) {
	t.onPeer = f
}

func (t *TCPTransport) SetOnDisconnect(f func(remoteAddr string)) {
	t.onDisconnect = f
}

func (t *TCPTransport) ListenAndAccept() error {
	var err error
	t.listener, err = net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	// Listening on :0 picks a free port; keep the resolved address
	t.listenAddr = t.listener.Addr().String()

	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Listener closed
			return
		}
		node := NewTCPNode(conn, false)
		go t.handleConn(conn, node, node.outbound)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, node transport.Node, outbound bool) {
	defer func() {
		conn.Close()
		if t.onDisconnect != nil {
			t.onDisconnect(conn.RemoteAddr().String())
		}
	}()

	if !outbound && t.onPeer != nil {
		if err := t.onPeer(node); err != nil {
			return
		}
	}

	for {
		// 1. Read Header
		msgType, length, err := readFrameHeader(conn)
		if err != nil {
			if err != io.EOF {
				logger.Sugar.Debugf("[TCPTransport] read header error: remote=%s err=%v", conn.RemoteAddr(), err)
			}
			return
		}

		if msgType != FrameTypeControl {
			logger.Sugar.Errorf("[TCPTransport] unknown frame type: %d", msgType)
			return
		}

		// 2. Read full payload into memory and decode
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			logger.Sugar.Errorf("[TCPTransport] read payload error: %v", err)
			return
		}

		var dataMessage protocol.DataMessage
		buf := bytes.NewReader(payload)
		if err := gob.NewDecoder(buf).Decode(&dataMessage); err != nil {
			logger.Sugar.Errorf("[TCPTransport] gob decode error: %v", err)
			continue
		}

		t.rpcCh <- protocol.RPC{
			From:    conn.RemoteAddr().String(),
			Payload: dataMessage.Msg,
		}
	}
}

func (t *TCPTransport) Dial(addr string) (transport.Node, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	node := NewTCPNode(conn, true)
	go t.handleConn(conn, node, node.outbound)

	return node, nil
}

func (t *TCPTransport) Consume() <-chan protocol.RPC {
	return t.rpcCh
}

func (t *TCPTransport) Close() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) Addr() string {
	return t.listenAddr
}
