// Package coordinator implements the serial two-phase-commit driver: it
// fans a client's request out to every participant, collects votes under a
// reset-on-receive idle timeout, decides the global outcome, and announces
// it both to the participants and to the originating client. Transactions
// are strictly serial — the coordinator never starts proposing the next one
// before the previous one's decision has been broadcast.
package coordinator

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/distsim/twopc/internal/bus"
	"github.com/distsim/twopc/internal/metrics"
	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/protocol"
)

const (
	// clientIdleTimeout is how long the coordinator waits for the next
	// ClientRequest before concluding the run is over.
	clientIdleTimeout = 200 * time.Millisecond

	// voteIdleTimeout is the idle deadline for the current transaction's
	// vote collection, reset on every vote received.
	voteIdleTimeout = 200 * time.Millisecond
)

// Stats mirrors the coordinator's final status counters.
type Stats struct {
	GlobalCommit uint64
	GlobalAbort  uint64
	Commit       uint64
	Abort        uint64
	Unknown      uint64
}

// Coordinator is the singleton 2PC driver. It owns the Registry (and
// therefore every per-child Link) and the coordinator's own oplog.
type Coordinator struct {
	registry *bus.Registry
	log      *oplog.OpLog
	metrics  *metrics.Counters
	running  *atomic.Bool

	state protocol.CoordinatorState
	stats Stats
}

// New wires a Coordinator around an already-populated Registry (bootstrap
// must have completed for every client and participant before Run is
// called). metricsCounters may be nil.
func New(registry *bus.Registry, log *oplog.OpLog, metricsCounters *metrics.Counters, running *atomic.Bool) *Coordinator {
	return &Coordinator{
		registry: registry,
		log:      log,
		metrics:  metricsCounters,
		running:  running,
		state:    protocol.CoordQuiescent,
	}
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	return c.stats
}

func (c *Coordinator) incMetric(outcome string) {
	if c.metrics != nil {
		c.metrics.Inc("coordinator", outcome)
	}
}

// Run drives transactions until the client-aggregate channel goes idle for
// clientIdleTimeout or the shared running flag is cleared, then broadcasts
// CoordinatorExit to every participant and returns. It never sends
// CoordinatorExit to clients: early shutdown reaches a client only through
// the shared running flag it polls itself.
func (c *Coordinator) Run() {
	for {
		if !c.running.Load() {
			break
		}

		select {
		case m := <-c.registry.ClientAgg:
			if m.MType != protocol.ClientRequest {
				log.Printf("[Coordinator] ignoring non-request message on client channel: %v", m.MType)
				continue
			}
			c.handleTransaction(m)
		case <-time.After(clientIdleTimeout):
			log.Printf("[Coordinator] client channel idle for %v, shutting down", clientIdleTimeout)
			goto shutdown
		}
	}
shutdown:
	c.shutdown()
}

func (c *Coordinator) shutdown() {
	exitMsg := protocol.Generate(protocol.CoordinatorExit, "exit", "exit", 0)
	for name, err := range c.registry.BroadcastParticipants(exitMsg) {
		log.Printf("[Coordinator] exit broadcast to %s failed: %v", name, err)
	}
	log.Printf("[Coordinator] final status: global_commit=%d global_abort=%d commit=%d abort=%d unknown=%d",
		c.stats.GlobalCommit, c.stats.GlobalAbort, c.stats.Commit, c.stats.Abort, c.stats.Unknown)
}

// handleTransaction runs one full transaction end to end: propose, collect
// votes, decide, broadcast the decision, reply to the client. Vote
// collection below does not consult the running flag: an in-flight
// transaction always completes to a clean decision even if shutdown was
// requested mid-flight.
func (c *Coordinator) handleTransaction(m protocol.ProtocolMessage) {
	c.state = protocol.CoordReceivedRequest
	replyTarget := m.SenderID

	propose := protocol.Generate(protocol.CoordinatorPropose, m.TxID, m.SenderID, m.OpID)
	for name, err := range c.registry.BroadcastParticipants(propose) {
		log.Printf("[Coordinator] propose to %s failed: %v", name, err)
	}
	c.state = protocol.CoordProposalSent

	votes := c.collectVotes()

	allCommit := true
	for _, v := range votes {
		if v.MType != protocol.ParticipantVoteCommit {
			allCommit = false
			break
		}
	}

	decisionType := protocol.CoordinatorCommit
	if allCommit {
		c.state = protocol.CoordReceivedVotesCommit
		c.stats.GlobalCommit++
		c.incMetric("global_commit")
	} else {
		decisionType = protocol.CoordinatorAbort
		c.state = protocol.CoordReceivedVotesAbort
		c.stats.GlobalAbort++
		c.incMetric("global_abort")
	}

	decisionMsg := protocol.Generate(decisionType, m.TxID, m.SenderID, m.OpID)
	for name, err := range c.registry.BroadcastParticipants(decisionMsg) {
		log.Printf("[Coordinator] decision broadcast to %s failed: %v", name, err)
	}
	if err := c.log.AppendMessage(decisionMsg); err != nil {
		log.Fatalf("[Coordinator] oplog append failed: %v", err)
	}
	c.state = protocol.CoordSentGlobalDecision

	resultType := protocol.ClientResultCommit
	if decisionType == protocol.CoordinatorAbort {
		resultType = protocol.ClientResultAbort
	}
	resultMsg := protocol.Generate(resultType, m.TxID, m.SenderID, m.OpID)
	if err := c.registry.SendToClient(replyTarget, resultMsg); err != nil {
		log.Printf("[Coordinator] no such client %q, configuration bug: %v", replyTarget, err)
	}

	c.state = protocol.CoordQuiescent
}

// collectVotes uses a single idle timeout for the whole collection window,
// reset on every vote received. If it fires, every participant that had not
// yet voted is treated as a missing vote — not retried individually — and
// counted as an abort.
//
// Each accepted vote is logged to the coordinator's oplog under its true
// message type, so the log reflects what participants actually voted
// rather than collapsing every entry to a commit.
func (c *Coordinator) collectVotes() []protocol.ProtocolMessage {
	n := c.registry.ParticipantCount()
	votes := make([]protocol.ProtocolMessage, 0, n)

	timer := time.NewTimer(voteIdleTimeout)
	defer timer.Stop()

	for len(votes) < n {
		select {
		case v := <-c.registry.ParticipantAgg:
			switch v.MType {
			case protocol.ParticipantVoteCommit:
				c.stats.Commit++
				c.incMetric("commit")
			case protocol.ParticipantVoteAbort:
				c.stats.Abort++
				c.incMetric("abort")
			default:
				log.Printf("[Coordinator] malformed vote ignored: %v", v.MType)
				continue
			}
			if err := c.log.AppendMessage(v); err != nil {
				log.Fatalf("[Coordinator] oplog append failed: %v", err)
			}
			votes = append(votes, v)
			timer.Reset(voteIdleTimeout)

		case <-timer.C:
			missing := n - len(votes)
			for i := 0; i < missing; i++ {
				c.stats.Unknown++
				c.incMetric("unknown")
				synthetic := protocol.ProtocolMessage{
					MType:     protocol.ParticipantVoteAbort,
					TxID:      "None",
					SenderID:  "None",
					OpID:      0,
					ReqStatus: protocol.Unknown,
				}
				if err := c.log.AppendMessage(synthetic); err != nil {
					log.Fatalf("[Coordinator] oplog append failed: %v", err)
				}
				votes = append(votes, synthetic)
			}
			return votes
		}
	}
	return votes
}
