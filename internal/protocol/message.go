// Package protocol defines the single message type exchanged on every
// bootstrap channel in the simulator, and the closed set of kinds it can
// carry.
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// MessageType is the closed set of legal protocol messages. It is never
// treated as an open extension point: any value read off a channel or a log
// line that isn't one of these is a format error.
type MessageType string

const (
	ClientRequest         MessageType = "ClientRequest"
	ClientResultCommit    MessageType = "ClientResultCommit"
	ClientResultAbort     MessageType = "ClientResultAbort"
	CoordinatorPropose    MessageType = "CoordinatorPropose"
	CoordinatorCommit     MessageType = "CoordinatorCommit"
	CoordinatorAbort      MessageType = "CoordinatorAbort"
	CoordinatorExit       MessageType = "CoordinatorExit"
	ParticipantVoteCommit MessageType = "ParticipantVoteCommit"
	ParticipantVoteAbort  MessageType = "ParticipantVoteAbort"
)

func (m MessageType) valid() bool {
	switch m {
	case ClientRequest, ClientResultCommit, ClientResultAbort,
		CoordinatorPropose, CoordinatorCommit, CoordinatorAbort, CoordinatorExit,
		ParticipantVoteCommit, ParticipantVoteAbort:
		return true
	default:
		return false
	}
}

// ReqStatus is informational status carried alongside a message; it does not
// drive protocol decisions.
type ReqStatus string

const (
	Unknown   ReqStatus = "Unknown"
	Committed ReqStatus = "Committed"
	Aborted   ReqStatus = "Aborted"
)

// ProtocolMessage is the sole payload exchanged on every channel and
// recorded in every oplog. (senderid, opid) uniquely identifies a
// client-originated transaction; txid and opid are never mutated across
// the life of a transaction, though a participant may rewrite senderid on
// its own vote messages.
type ProtocolMessage struct {
	MType     MessageType `json:"mtype"`
	TxID      string      `json:"txid"`
	SenderID  string      `json:"senderid"`
	OpID      uint32      `json:"opid"`
	ReqStatus ReqStatus   `json:"reqstatus"`
}

// Generate constructs a ProtocolMessage with ReqStatus defaulted to Unknown.
func Generate(mtype MessageType, txid, senderid string, opid uint32) ProtocolMessage {
	return ProtocolMessage{
		MType:     mtype,
		TxID:      txid,
		SenderID:  senderid,
		OpID:      opid,
		ReqStatus: Unknown,
	}
}

// MarshalLine renders the message as one self-describing JSON line, suitable
// for an oplog record. The line carries no trailing newline; callers append
// one.
func (m ProtocolMessage) MarshalLine() ([]byte, error) {
	if !m.MType.valid() {
		return nil, fmt.Errorf("protocol: refusing to marshal unknown message type %q", m.MType)
	}
	return json.Marshal(m)
}

// UnmarshalLine parses one oplog line back into a ProtocolMessage, rejecting
// any message kind outside the closed set. The wire between processes uses
// gob (see internal/bus), not this JSON form.
func UnmarshalLine(line []byte) (ProtocolMessage, error) {
	var m ProtocolMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return ProtocolMessage{}, err
	}
	if !m.MType.valid() {
		return ProtocolMessage{}, fmt.Errorf("protocol: unknown message type %q", m.MType)
	}
	return m, nil
}
