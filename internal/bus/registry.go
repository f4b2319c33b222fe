package bus

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/distsim/twopc/internal/protocol"
)

// Registry is the coordinator's exclusive ownership of every per-child Link
// plus two aggregate receive channels: one stream fed by every client, one
// fed by every participant. Each Link is pumped by its own goroutine into
// the matching aggregate channel so the coordinator's main loop only ever
// reads from two channels regardless of how many children are attached.
type Registry struct {
	mu           sync.Mutex
	clients      map[string]*Link
	participants map[string]*Link

	ClientAgg      chan protocol.ProtocolMessage
	ParticipantAgg chan protocol.ProtocolMessage
}

// NewRegistry creates an empty registry with aggregate channels sized to
// comfortably absorb bursts without blocking a pump goroutine.
func NewRegistry() *Registry {
	return &Registry{
		clients:        make(map[string]*Link),
		participants:   make(map[string]*Link),
		ClientAgg:      make(chan protocol.ProtocolMessage, 64),
		ParticipantAgg: make(chan protocol.ProtocolMessage, 64),
	}
}

// AddClient registers a bootstrapped client under its logical name and
// starts the pump goroutine feeding ClientAgg.
func (r *Registry) AddClient(name string, link *Link) {
	r.mu.Lock()
	r.clients[name] = link
	r.mu.Unlock()
	go r.pump(name, link, r.ClientAgg)
}

// AddParticipant registers a bootstrapped participant and starts its pump.
func (r *Registry) AddParticipant(name string, link *Link) {
	r.mu.Lock()
	r.participants[name] = link
	r.mu.Unlock()
	go r.pump(name, link, r.ParticipantAgg)
}

func (r *Registry) pump(name string, link *Link, into chan<- protocol.ProtocolMessage) {
	for {
		msg, err := link.Recv()
		if err != nil {
			if err != io.EOF {
				log.Printf("[Registry] %s: link closed: %v", name, err)
			}
			return
		}
		into <- msg
	}
}

// SendToClient delivers msg to the named client's Link.
func (r *Registry) SendToClient(name string, msg protocol.ProtocolMessage) error {
	r.mu.Lock()
	link, ok := r.clients[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: no such client %q", name)
	}
	return link.Send(msg)
}

// BroadcastParticipants sends msg to every registered participant,
// collecting per-participant send errors rather than failing the whole
// broadcast: a send error to a presumed-alive child is returned in the map
// keyed by participant name, never fatal to the coordinator. No running
// count of send errors is kept.
func (r *Registry) BroadcastParticipants(msg protocol.ProtocolMessage) map[string]error {
	r.mu.Lock()
	targets := make(map[string]*Link, len(r.participants))
	for name, link := range r.participants {
		targets[name] = link
	}
	r.mu.Unlock()

	errs := make(map[string]error)
	for name, link := range targets {
		if err := link.Send(msg); err != nil {
			errs[name] = err
		}
	}
	return errs
}

// BroadcastClients sends msg to every registered client. Unused by the
// coordinator's normal shutdown path, which only notifies participants;
// kept for callers that want an optional, non-authoritative heads-up to
// clients as well.
func (r *Registry) BroadcastClients(msg protocol.ProtocolMessage) map[string]error {
	r.mu.Lock()
	targets := make(map[string]*Link, len(r.clients))
	for name, link := range r.clients {
		targets[name] = link
	}
	r.mu.Unlock()

	errs := make(map[string]error)
	for name, link := range targets {
		if err := link.Send(msg); err != nil {
			errs[name] = err
		}
	}
	return errs
}

// ParticipantCount reports M, the number of registered participants.
func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// ParticipantNames returns registered participant names sorted, mainly for
// deterministic logging and tests.
func (r *Registry) ParticipantNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.participants))
	for name := range r.participants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
