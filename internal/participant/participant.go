// Package participant implements the participant half of the protocol: a
// serial, blocking receive loop that votes on proposals under a simulated
// operation-failure probability, then simulates its own vote being lost on
// the wire under a send-failure probability.
package participant

import (
	"log"
	"math/rand"

	"github.com/distsim/twopc/internal/bus"
	"github.com/distsim/twopc/internal/metrics"
	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/protocol"
)

// Stats mirrors a participant's aggregate counters, printed on loop exit.
type Stats struct {
	Commit  uint64
	Abort   uint64
	Unknown uint64
}

// Participant drives one participant process's state machine against its
// Link to the coordinator.
type Participant struct {
	id   string
	link *bus.Link
	log  *oplog.OpLog
	rng  *rand.Rand

	metrics *metrics.Counters

	sendSuccessProb      float64
	operationSuccessProb float64

	state protocol.ParticipantState
	stats Stats
}

// New builds a Participant identified by id (e.g. "participant_2"). rng may
// be nil, in which case a private source with the fixed seed 1 is used; tests
// pass a seeded *rand.Rand for determinism.
func New(id string, link *bus.Link, log *oplog.OpLog, metricsCounters *metrics.Counters, sendSuccessProb, operationSuccessProb float64, rng *rand.Rand) *Participant {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Participant{
		id:                   id,
		link:                 link,
		log:                  log,
		rng:                  rng,
		metrics:              metricsCounters,
		sendSuccessProb:      sendSuccessProb,
		operationSuccessProb: operationSuccessProb,
		state:                protocol.PartQuiescent,
	}
}

// Stats returns a snapshot of this participant's counters.
func (p *Participant) Stats() Stats {
	return p.stats
}

func (p *Participant) incMetric(outcome string) {
	if p.metrics != nil {
		p.metrics.Inc("participant", outcome)
	}
}

// Run blocks on the Link until the coordinator sends CoordinatorExit, then
// prints the aggregate counters and returns. Each iteration blocks on Recv —
// a participant's liveness is entirely driven by the coordinator, never by
// its own timeout.
func (p *Participant) Run() {
	for {
		msg, err := p.link.Recv()
		if err != nil {
			log.Printf("[%s] link closed: %v", p.id, err)
			break
		}

		switch msg.MType {
		case protocol.CoordinatorPropose:
			p.handlePropose(msg)
		case protocol.CoordinatorCommit, protocol.CoordinatorAbort:
			p.handleDecision(msg)
		case protocol.CoordinatorExit:
			if err := p.log.AppendMessage(msg); err != nil {
				log.Fatalf("[%s] oplog append failed: %v", p.id, err)
			}
			log.Printf("[%s] received exit, shutting down", p.id)
			goto done
		default:
			log.Printf("[%s] ignoring unexpected message kind: %v", p.id, msg.MType)
		}
	}
done:
	log.Printf("[%s] final status: commit=%d abort=%d unknown=%d", p.id, p.stats.Commit, p.stats.Abort, p.stats.Unknown)
}

// handlePropose draws the operation outcome, logs the intended vote, and
// attempts to send it — a dropped send never changes what was logged.
func (p *Participant) handlePropose(m protocol.ProtocolMessage) {
	p.state = protocol.PartReceivedP1

	voteType := protocol.ParticipantVoteAbort
	if p.rng.Float64() <= p.operationSuccessProb {
		voteType = protocol.ParticipantVoteCommit
	}

	vote := protocol.Generate(voteType, m.TxID, p.id, m.OpID)
	if err := p.log.AppendMessage(vote); err != nil {
		log.Fatalf("[%s] oplog append failed: %v", p.id, err)
	}

	if voteType == protocol.ParticipantVoteCommit {
		p.state = protocol.PartVotedCommit
	} else {
		p.state = protocol.PartVotedAbort
	}

	p.send(vote)
	p.state = protocol.PartAwaitingGlobalDecision
}

// send rewrites senderid to the participant's own id, then simulates the
// vote being lost on the wire under sendSuccessProb. A drop increments
// unknown and never reaches the coordinator at all; only a genuine transmit
// increments commit/abort.
func (p *Participant) send(vote protocol.ProtocolMessage) {
	vote.SenderID = p.id

	if p.rng.Float64() > p.sendSuccessProb {
		p.stats.Unknown++
		p.incMetric("unknown")
		return
	}

	if err := p.link.Send(vote); err != nil {
		log.Printf("[%s] send failed: %v", p.id, err)
		return
	}

	switch vote.MType {
	case protocol.ParticipantVoteCommit:
		p.stats.Commit++
		p.incMetric("commit")
	case protocol.ParticipantVoteAbort:
		p.stats.Abort++
		p.incMetric("abort")
	}
}

// handleDecision records the global decision and returns to quiescent. No
// separate apply step exists in this simulator: logging the decision is the
// entire effect of a commit or abort.
func (p *Participant) handleDecision(m protocol.ProtocolMessage) {
	if err := p.log.AppendMessage(m); err != nil {
		log.Fatalf("[%s] oplog append failed: %v", p.id, err)
	}
	p.state = protocol.PartQuiescent
}
