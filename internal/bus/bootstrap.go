package bus

import (
	"encoding/gob"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// handshakeHello is the single message exchanged on the short-lived
// handshake connection: the child tells the coordinator where to dial back
// to establish the long-lived, full-duplex Link.
type handshakeHello struct {
	ChildOneShotAddr string
	HandshakeID      string
}

// OneShot is a bootstrap endpoint that accepts exactly one connection. Its
// Addr is the discoverable name the coordinator hands to a freshly spawned
// child via --ipc_path, and that a child hands back via its own
// handshakeHello.
type OneShot struct {
	ln net.Listener
}

// ListenOneShot opens a loopback one-shot bootstrap endpoint and returns it
// unaccepted; call Addr() to get the name to pass to a child process, then
// AcceptHandshake to block for the child's handshake and complete the
// dial-back that produces the ready Link.
func ListenOneShot() (*OneShot, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bus: listen: %w", err)
	}
	return &OneShot{ln: ln}, nil
}

// Addr returns the bootstrap name other processes connect to.
func (o *OneShot) Addr() string {
	return o.ln.Addr().String()
}

// AcceptHandshake blocks for the child's initial connection, reads the
// child's own one-shot name off it, then dials back to that name to
// establish the long-lived Link the coordinator will use for both
// directions of traffic with this child.
func (o *OneShot) AcceptHandshake() (*Link, error) {
	helloConn, err := o.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("bus: accept handshake: %w", err)
	}
	defer helloConn.Close()
	// The one-shot listener has served its single purpose.
	_ = o.ln.Close()

	var hello handshakeHello
	if err := gob.NewDecoder(helloConn).Decode(&hello); err != nil {
		return nil, fmt.Errorf("bus: decode handshake: %w", err)
	}

	conn, err := net.Dial("tcp", hello.ChildOneShotAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: dial back to child %s: %w", hello.ChildOneShotAddr, err)
	}

	return newLink(conn), nil
}

// DialAndHandshake opens its own one-shot endpoint, connects to the
// parent's bootstrap name and announces its own name, then accepts the
// parent's dial-back as the ready Link.
func DialAndHandshake(parentBootstrapAddr string) (*Link, error) {
	childOneShot, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bus: listen child one-shot: %w", err)
	}

	helloConn, err := net.Dial("tcp", parentBootstrapAddr)
	if err != nil {
		childOneShot.Close()
		return nil, fmt.Errorf("bus: dial parent %s: %w", parentBootstrapAddr, err)
	}

	hello := handshakeHello{
		ChildOneShotAddr: childOneShot.Addr().String(),
		HandshakeID:      uuid.NewString(),
	}
	if err := gob.NewEncoder(helloConn).Encode(&hello); err != nil {
		helloConn.Close()
		childOneShot.Close()
		return nil, fmt.Errorf("bus: send handshake: %w", err)
	}
	helloConn.Close()

	conn, err := childOneShot.Accept()
	if err != nil {
		childOneShot.Close()
		return nil, fmt.Errorf("bus: accept parent dial-back: %w", err)
	}
	_ = childOneShot.Close()

	return newLink(conn), nil
}
