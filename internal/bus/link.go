// Package bus implements the one-shot bootstrap handshake and the typed,
// full-duplex channel every client and participant uses to talk to the
// coordinator. A Link wraps a single TCP connection carrying gob-encoded
// ProtocolMessage values in both directions.
package bus

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/distsim/twopc/internal/protocol"
)

// Link is one endpoint's view of a bootstrapped channel: Send writes a
// message to the peer, Recv blocks for the next one. Both directions share
// the same net.Conn, since nothing in the protocol requires the connection
// be half-duplex.
type Link struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	sendMu sync.Mutex
}

func newLink(conn net.Conn) *Link {
	return &Link{
		conn: conn,
		enc:  gob.NewEncoder(conn),
		dec:  gob.NewDecoder(conn),
	}
}

// Send writes one message to the peer. Safe for concurrent use.
func (l *Link) Send(msg protocol.ProtocolMessage) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.enc.Encode(&msg); err != nil {
		return fmt.Errorf("bus: send: %w", err)
	}
	return nil
}

// Recv blocks until the next message arrives, or returns an error (commonly
// io.EOF) once the peer has gone away. Recv is not safe for concurrent use
// by multiple goroutines on the same Link; each Link has exactly one reader.
func (l *Link) Recv() (protocol.ProtocolMessage, error) {
	var msg protocol.ProtocolMessage
	if err := l.dec.Decode(&msg); err != nil {
		return protocol.ProtocolMessage{}, err
	}
	return msg, nil
}

// Close tears down the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}
