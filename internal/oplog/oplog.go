// Package oplog implements the append-only, line-oriented operation log
// every coordinator and participant process keeps. Each line is one JSON
// record; write order is preserved as a dense integer rank starting at 0
// when the file is reloaded.
package oplog

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/distsim/twopc/internal/protocol"
)

// OpLog is a single process's append-only record of every protocol message
// it observed or emitted. There is exactly one writer per process; I/O
// errors on Append are fatal to the caller (see Append).
type OpLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// New creates or truncates the file at path and opens it for append.
func New(path string) (*OpLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	return &OpLog{path: path, file: f}, nil
}

// Append serializes a ProtocolMessage as one line and durably writes it
// before returning: the line is flushed (via File.Sync) so that line
// boundary is record boundary even across a crash. Callers that cannot
// tolerate a log write failure should treat a non-nil error as fatal.
// OpLog itself does not exit the process, since the checker and some
// callers want to decide how to react.
func (l *OpLog) Append(mtype protocol.MessageType, txid, senderid string, opid uint32) error {
	msg := protocol.Generate(mtype, txid, senderid, opid)
	return l.AppendMessage(msg)
}

// AppendMessage writes a fully-formed message, used when the caller needs
// to control ReqStatus or is relaying a message it did not construct itself
// (e.g. a participant's own vote, replayed into its local log).
func (l *OpLog) AppendMessage(msg protocol.ProtocolMessage) error {
	line, err := msg.MarshalLine()
	if err != nil {
		return fmt.Errorf("oplog: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("oplog: write %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("oplog: sync %s: %w", l.path, err)
	}
	return nil
}

// Close closes the underlying file. It is safe to call once at process
// exit; OpLog does not attempt to reopen after Close.
func (l *OpLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read reloads a prior log file, returning an ordered mapping from
// insertion rank (0-based, in write order) to the message recorded there.
// Malformed lines are not silently dropped: they turn into an error, since
// the log is trusted to be well-formed once written.
func Read(path string) (map[int]protocol.ProtocolMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[int]protocol.ProtocolMessage)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	rank := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.UnmarshalLine(line)
		if err != nil {
			return nil, fmt.Errorf("oplog: %s: line %d: %w", path, rank, err)
		}
		out[rank] = msg
		rank++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplog: scan %s: %w", path, err)
	}
	return out, nil
}

// OrderedMessages returns the records of m in ascending rank order, a
// convenience for callers that want a slice rather than the rank-keyed map
// Read returns.
func OrderedMessages(m map[int]protocol.ProtocolMessage) []protocol.ProtocolMessage {
	out := make([]protocol.ProtocolMessage, len(m))
	for rank, msg := range m {
		out[rank] = msg
	}
	return out
}
