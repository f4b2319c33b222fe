package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/distsim/twopc/internal/protocol"
)

func TestBootstrapHandshakeEstablishesDuplexLink(t *testing.T) {
	oneShot, err := ListenOneShot()
	if err != nil {
		t.Fatalf("ListenOneShot: %v", err)
	}

	var wg sync.WaitGroup
	var parentLink, childLink *Link
	var parentErr, childErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		parentLink, parentErr = oneShot.AcceptHandshake()
	}()

	childLink, childErr = DialAndHandshake(oneShot.Addr())
	wg.Wait()

	if parentErr != nil {
		t.Fatalf("AcceptHandshake: %v", parentErr)
	}
	if childErr != nil {
		t.Fatalf("DialAndHandshake: %v", childErr)
	}

	msg := protocol.Generate(protocol.CoordinatorPropose, "t_op_1", "coordinator", 1)
	if err := parentLink.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := childLink.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != msg {
		t.Errorf("got %+v, want %+v", got, msg)
	}

	reply := protocol.Generate(protocol.ParticipantVoteCommit, "t_op_1", "participant_0", 1)
	if err := childLink.Send(reply); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err = parentLink.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != reply {
		t.Errorf("got %+v, want %+v", got, reply)
	}
}

func TestRegistryPumpsIntoAggregateChannels(t *testing.T) {
	registry := NewRegistry()

	oneShot, err := ListenOneShot()
	if err != nil {
		t.Fatalf("ListenOneShot: %v", err)
	}

	acceptDone := make(chan *Link, 1)
	go func() {
		link, err := oneShot.AcceptHandshake()
		if err != nil {
			t.Errorf("AcceptHandshake: %v", err)
			acceptDone <- nil
			return
		}
		acceptDone <- link
	}()

	childLink, err := DialAndHandshake(oneShot.Addr())
	if err != nil {
		t.Fatalf("DialAndHandshake: %v", err)
	}
	parentLink := <-acceptDone
	if parentLink == nil {
		t.Fatal("parent side of handshake failed")
	}

	registry.AddParticipant("participant_0", parentLink)

	vote := protocol.Generate(protocol.ParticipantVoteAbort, "t_op_1", "participant_0", 1)
	if err := childLink.Send(vote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-registry.ParticipantAgg:
		if got != vote {
			t.Errorf("got %+v, want %+v", got, vote)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for vote on ParticipantAgg")
	}

	if n := registry.ParticipantCount(); n != 1 {
		t.Errorf("ParticipantCount() = %d, want 1", n)
	}
}

func TestBroadcastParticipantsReportsPerTargetErrors(t *testing.T) {
	registry := NewRegistry()

	oneShot, err := ListenOneShot()
	if err != nil {
		t.Fatalf("ListenOneShot: %v", err)
	}
	acceptDone := make(chan *Link, 1)
	go func() {
		link, _ := oneShot.AcceptHandshake()
		acceptDone <- link
	}()
	childLink, err := DialAndHandshake(oneShot.Addr())
	if err != nil {
		t.Fatalf("DialAndHandshake: %v", err)
	}
	parentLink := <-acceptDone
	registry.AddParticipant("participant_0", parentLink)

	childLink.Close()

	msg := protocol.Generate(protocol.CoordinatorExit, "exit", "exit", 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if errs := registry.BroadcastParticipants(msg); len(errs) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected a send error to eventually surface after the peer closed its connection")
}

func TestSendToClientUnknownNameErrors(t *testing.T) {
	registry := NewRegistry()
	msg := protocol.Generate(protocol.ClientResultCommit, "t_op_1", "client_9", 1)
	if err := registry.SendToClient("client_9", msg); err == nil {
		t.Error("expected error sending to an unregistered client, got nil")
	}
}
