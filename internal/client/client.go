// Package client implements the client request engine: a serial loop that
// issues a bounded number of transactions, each synchronous with respect to
// the coordinator's reply.
package client

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/distsim/twopc/internal/bus"
	"github.com/distsim/twopc/internal/metrics"
	"github.com/distsim/twopc/internal/protocol"
)

// pollInterval is how often a client re-checks its Link for a reply while
// waiting; it is not a protocol timeout, just the poll granularity.
const pollInterval = 10 * time.Millisecond

// requestBackpressure is the fixed pause between requests.
const requestBackpressure = 100 * time.Millisecond

// Stats mirrors a client's aggregate counters, printed after the loop.
type Stats struct {
	Committed uint64
	Aborted   uint64
}

// Client drives one client process's request loop against its Link to the
// coordinator.
type Client struct {
	id      string
	link    *bus.Link
	running *atomic.Bool
	metrics *metrics.Counters

	recv chan protocol.ProtocolMessage

	op    uint32
	stats Stats
}

// New builds a Client identified by id (e.g. "client_3") and starts the
// background pump that lets Run poll the Link non-blockingly.
func New(id string, link *bus.Link, running *atomic.Bool, metricsCounters *metrics.Counters) *Client {
	c := &Client{
		id:      id,
		link:    link,
		running: running,
		metrics: metricsCounters,
		recv:    make(chan protocol.ProtocolMessage, 4),
	}
	go c.pump()
	return c
}

// pump feeds c.recv from the Link until it closes, so Run's poll loop never
// blocks directly on Recv.
func (c *Client) pump() {
	for {
		msg, err := c.link.Recv()
		if err != nil {
			close(c.recv)
			return
		}
		c.recv <- msg
	}
}

func (c *Client) incMetric(outcome string) {
	if c.metrics != nil {
		c.metrics.Inc("client", outcome)
	}
}

// Stats returns a snapshot of this client's counters.
func (c *Client) Stats() Stats {
	return c.stats
}

// Run issues numRequests transactions, stopping early if the shared running
// flag is cleared or the coordinator announces CoordinatorExit.
func (c *Client) Run(numRequests int) {
	for k := 0; k < numRequests; k++ {
		if !c.running.Load() {
			break
		}

		c.op++
		txid := fmt.Sprintf("%s_op_%d", c.id, c.op)
		req := protocol.Generate(protocol.ClientRequest, txid, c.id, c.op)
		if err := c.link.Send(req); err != nil {
			log.Printf("[%s] send failed: %v", c.id, err)
			continue
		}

		if !c.awaitReply(txid) {
			break
		}

		time.Sleep(requestBackpressure)
	}

	log.Printf("[%s] final status: committed=%d aborted=%d", c.id, c.stats.Committed, c.stats.Aborted)
}

// awaitReply polls for exactly one reply to txid. It returns false if the
// loop should stop (CoordinatorExit observed, or the link died).
func (c *Client) awaitReply(txid string) bool {
	for {
		msg, ok, err := c.poll()
		if err != nil {
			log.Printf("[%s] link error while awaiting reply to %s: %v", c.id, txid, err)
			return false
		}
		if !ok {
			time.Sleep(pollInterval)
			continue
		}

		switch msg.MType {
		case protocol.ClientResultCommit:
			c.stats.Committed++
			c.incMetric("committed")
			return true
		case protocol.ClientResultAbort:
			c.stats.Aborted++
			c.incMetric("aborted")
			return true
		case protocol.CoordinatorExit:
			// Never counted as a request outcome.
			c.running.Store(false)
			return false
		default:
			log.Printf("[%s] ignoring unexpected message kind while awaiting reply: %v", c.id, msg.MType)
		}
	}
}

// poll performs one non-blocking attempt to receive from the Link.
func (c *Client) poll() (protocol.ProtocolMessage, bool, error) {
	select {
	case msg, ok := <-c.recv:
		if !ok {
			return protocol.ProtocolMessage{}, false, fmt.Errorf("client: link closed")
		}
		return msg, true, nil
	default:
		return protocol.ProtocolMessage{}, false, nil
	}
}
