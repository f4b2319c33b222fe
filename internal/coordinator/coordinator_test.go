package coordinator

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distsim/twopc/internal/bus"
	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/protocol"
)

// pairedLinks returns two in-memory Links over a loopback TCP pair, standing
// in for a bootstrapped child connection without spawning a process.
func pairedLinks(t *testing.T) (*bus.Link, *bus.Link) {
	t.Helper()
	oneShot, err := bus.ListenOneShot()
	require.NoError(t, err)

	type result struct {
		link *bus.Link
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		link, err := oneShot.AcceptHandshake()
		acceptCh <- result{link, err}
	}()

	childLink, err := bus.DialAndHandshake(oneShot.Addr())
	require.NoError(t, err)

	r := <-acceptCh
	require.NoError(t, r.err)
	return r.link, childLink
}

func TestHandleTransactionAllCommitVotes(t *testing.T) {
	registry := bus.NewRegistry()

	coordSide, clientSide := pairedLinks(t)
	registry.AddClient("client_0", coordSide)

	coordPSide, partSide := pairedLinks(t)
	registry.AddParticipant("participant_0", coordPSide)

	logPath := filepath.Join(t.TempDir(), "coordinator.log")
	oplogFile, err := oplog.New(logPath)
	require.NoError(t, err)
	defer oplogFile.Close()

	running := &atomic.Bool{}
	running.Store(true)

	c := New(registry, oplogFile, nil, running)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	// Client sends a request directly over its own side of the Link.
	req := protocol.Generate(protocol.ClientRequest, "client_0_op_1", "client_0", 1)
	require.NoError(t, clientSide.Send(req))

	// Participant observes the propose and votes commit.
	propose, err := partSide.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.CoordinatorPropose, propose.MType)
	vote := protocol.Generate(protocol.ParticipantVoteCommit, propose.TxID, "participant_0", propose.OpID)
	require.NoError(t, partSide.Send(vote))

	decision, err := partSide.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.CoordinatorCommit, decision.MType)

	result, err := clientSide.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.ClientResultCommit, result.MType)

	running.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down after running flag cleared")
	}

	require.Equal(t, uint64(1), c.Stats().GlobalCommit)
}

func TestHandleTransactionMissingVoteAborts(t *testing.T) {
	registry := bus.NewRegistry()

	coordSide, clientSide := pairedLinks(t)
	registry.AddClient("client_0", coordSide)

	coordPSide, partSide := pairedLinks(t)
	registry.AddParticipant("participant_0", coordPSide)
	_ = partSide // intentionally never votes, simulating a dropped send

	logPath := filepath.Join(t.TempDir(), "coordinator.log")
	oplogFile, err := oplog.New(logPath)
	require.NoError(t, err)
	defer oplogFile.Close()

	running := &atomic.Bool{}
	running.Store(true)
	c := New(registry, oplogFile, nil, running)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	req := protocol.Generate(protocol.ClientRequest, "client_0_op_1", "client_0", 1)
	require.NoError(t, clientSide.Send(req))

	result, err := clientSide.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.ClientResultAbort, result.MType)

	running.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down after running flag cleared")
	}

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.GlobalAbort)
	require.Equal(t, uint64(1), stats.Unknown)
}
