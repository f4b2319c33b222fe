package checker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/protocol"
)

func writeLog(t *testing.T, dir, name string, msgs []protocol.ProtocolMessage) {
	t.Helper()
	l, err := oplog.New(filepath.Join(dir, name))
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, l.AppendMessage(m))
	}
	require.NoError(t, l.Close())
}

func TestRunPassesOnConsistentLogs(t *testing.T) {
	dir := t.TempDir()

	writeLog(t, dir, "coordinator.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.CoordinatorCommit, "client_0_op_1", "client_0", 1),
	})
	writeLog(t, dir, "participant_0.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.ParticipantVoteCommit, "client_0_op_1", "participant_0", 1),
	})

	report, err := Run(dir, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, report.Pass())
	require.Equal(t, 1, report.Checked)
}

func TestRunFlagsCommitWithoutUnanimousVotes(t *testing.T) {
	dir := t.TempDir()

	writeLog(t, dir, "coordinator.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.CoordinatorCommit, "client_0_op_1", "client_0", 1),
	})
	writeLog(t, dir, "participant_0.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.ParticipantVoteAbort, "client_0_op_1", "participant_0", 1),
	})

	report, err := Run(dir, 1, 1, 1)
	require.NoError(t, err)
	require.False(t, report.Pass())
	require.Equal(t, "P1", report.Violations[0].Property)
}

func TestRunAcceptsAbortJustifiedByMissingVote(t *testing.T) {
	dir := t.TempDir()

	writeLog(t, dir, "coordinator.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.CoordinatorAbort, "client_0_op_1", "client_0", 1),
	})
	writeLog(t, dir, "participant_0.log", nil)

	report, err := Run(dir, 1, 1, 1)
	require.NoError(t, err)
	require.True(t, report.Pass())
}

func TestRunFlagsAbortWithNoJustification(t *testing.T) {
	dir := t.TempDir()

	writeLog(t, dir, "coordinator.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.CoordinatorAbort, "client_0_op_1", "client_0", 1),
	})
	writeLog(t, dir, "participant_0.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.ParticipantVoteCommit, "client_0_op_1", "participant_0", 1),
	})

	report, err := Run(dir, 1, 1, 1)
	require.NoError(t, err)
	require.False(t, report.Pass())
	require.Equal(t, "P2", report.Violations[0].Property)
}

func TestRunFlagsDuplicateDecision(t *testing.T) {
	dir := t.TempDir()

	writeLog(t, dir, "coordinator.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.CoordinatorCommit, "client_0_op_1", "client_0", 1),
		protocol.Generate(protocol.CoordinatorAbort, "client_0_op_1", "client_0", 1),
	})
	writeLog(t, dir, "participant_0.log", []protocol.ProtocolMessage{
		protocol.Generate(protocol.ParticipantVoteCommit, "client_0_op_1", "participant_0", 1),
	})

	report, err := Run(dir, 1, 1, 1)
	require.NoError(t, err)
	require.False(t, report.Pass())

	found := false
	for _, v := range report.Violations {
		if v.Property == "P3" {
			found = true
		}
	}
	require.True(t, found, "expected a P3 violation for the duplicated decision")
}
