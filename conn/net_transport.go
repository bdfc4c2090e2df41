package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnknownTag is returned when a frame starts with a tag that has no registered type.
	ErrUnknownTag = errors.New("unknown message tag")
)

// Envelope is a received message with the name of its sender and the sender's
// ED25519 signature over it. Msg is a pointer to the type registered for the tag.
type Envelope struct {
	Tag    uint8
	Sender string
	Msg    interface{}
	Sig    []byte
}

/*
NetworkTransport sends and receives framed messages over a stream layer.

Each frame is a tag byte selecting the message type, followed by the msgpack
encoded message, the sender's name and the sender's signature.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	msgCh chan Envelope

	reflectedTypesMap map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// MsgChan returns the channel received envelopes are delivered on.
func (n *NetworkTransport) MsgChan() <-chan Envelope {
	return n.msgCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen accepts incoming connections until the transport shuts down.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn reads frames from an inbound connection until it is closed or the
// passed context is cancelled.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, dec); err != nil {
			if err != io.EOF && !errors.Is(err, ErrTransportShutdown) {
				n.logger.Error("failed to decode incoming message", "error", err)
			}
			return
		}
	}
}

// handleMsg decodes a single frame and hands it to the receiver.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	reflectedType, ok := n.reflectedTypesMap[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	body := reflect.New(reflectedType).Interface()
	if err := dec.Decode(body); err != nil {
		return err
	}
	var sender string
	if err := dec.Decode(&sender); err != nil {
		return err
	}
	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}

	select {
	case n.msgCh <- Envelope{Tag: tag, Sender: sender, Msg: body, Sig: sig}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// LocalAddr returns the address the transport listens on.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the listener, cancels the inbound handlers and drops pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.shutdown {
		return nil
	}
	close(n.shutdownCh)
	n.shutdown = true
	err := n.stream.Close()

	n.streamCtxLock.Lock()
	n.streamCancel()
	n.streamCtxLock.Unlock()

	n.connPoolLock.Lock()
	for target, conns := range n.connPool {
		for _, c := range conns {
			_ = c.Release()
		}
		delete(n.connPool, target)
	}
	n.connPoolLock.Unlock()
	return err
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC, nil
}

// GetConn returns an idle connection to target, dialing a new one if the pool is empty.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	netConns := n.connPool[target]
	if num := len(netConns); num > 0 {
		netC := netConns[num-1]
		netConns[num-1] = nil
		n.connPool[target] = netConns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()
	return n.dialConn(target)
}

// ReturnConn puts the connection back to the pool, or closes it when the pool is full.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]
	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// Send writes one frame to target over a pooled connection.
func (n *NetworkTransport) Send(target string, tag uint8, msg interface{}, sender string, sig []byte) error {
	netC, err := n.GetConn(target)
	if err != nil {
		return err
	}
	if err := SendMsg(netC, tag, msg, sender, sig); err != nil {
		return err
	}
	return n.ReturnConn(netC)
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout bounds dialing a peer.
	Timeout time.Duration

	// Inbound is the capacity of the received envelope channel.
	Inbound int
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(config *NetworkTransportConfig) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "pocbft-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.Inbound <= 0 {
		config.Inbound = 64
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		msgCh:             make(chan Envelope, config.Inbound),
		reflectedTypesMap: config.ReflectedTypesMap,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// NewNetworkTransport creates a new network transport with the given stream layer.
// maxPool bounds the idle connections kept per peer.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "pocbft-net",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})
	config := &NetworkTransportConfig{Stream: stream, Timeout: timeout, Logger: logger, MaxPool: maxPool,
		ReflectedTypesMap: reflectedTypesMap}
	return NewNetworkTransportWithConfig(config)
}

// SendMsg encodes one frame on conn. The connection is released on failure.
func SendMsg(conn *NetConn, tag uint8, msg interface{}, sender string, sig []byte) error {
	fail := func(err error) error {
		conn.Release()
		return err
	}
	if err := conn.w.WriteByte(tag); err != nil {
		return fail(err)
	}
	if err := conn.enc.Encode(msg); err != nil {
		return fail(err)
	}
	if err := conn.enc.Encode(sender); err != nil {
		return fail(err)
	}
	if err := conn.enc.Encode(sig); err != nil {
		return fail(err)
	}
	if err := conn.w.Flush(); err != nil {
		return fail(err)
	}
	return nil
}
