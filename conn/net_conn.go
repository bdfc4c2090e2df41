/*
Package conn carries signed consensus messages between nodes over TCP.
A connection is only used in one direction: the dialing node writes, the
listening node reads. Each connection wraps its writer with a msgpack encoder.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is an outgoing connection to one peer.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the addr:port the connection was dialed to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
