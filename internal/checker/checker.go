// Package checker implements the offline, one-shot consistency pass over a
// completed run's oplogs: it reloads the coordinator's log and every
// participant's log and checks that the recorded votes and decisions are
// mutually consistent.
package checker

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/protocol"
)

// Violation is one failed invariant, identified by the property it breaks.
type Violation struct {
	Property string
	TxID     string
	Detail   string
}

// Report is the result of a full pass: how many transactions were checked
// and any violations found.
type Report struct {
	Checked    int
	Violations []Violation
}

// Pass reports whether the run is fully consistent.
func (r Report) Pass() bool {
	return len(r.Violations) == 0
}

// Run reloads logDir/coordinator.log and logDir/participant_<i>.log for
// i in [0, numParticipants), flags any txid with more than one decision,
// checks decision consistency (commits) and abort justification (aborts)
// for every decided txid, and flags a total decision count above
// numClients*numRequests. It prints a colored summary and returns
// the full Report for programmatic use.
func Run(logDir string, numClients, numParticipants, numRequests int) (Report, error) {
	coordMsgs, err := oplog.Read(filepath.Join(logDir, "coordinator.log"))
	if err != nil {
		return Report{}, fmt.Errorf("checker: read coordinator log: %w", err)
	}

	participantVotes := make(map[string]map[string]protocol.MessageType)
	for i := 0; i < numParticipants; i++ {
		name := fmt.Sprintf("participant_%d", i)
		path := filepath.Join(logDir, fmt.Sprintf("participant_%d.log", i))
		msgs, err := oplog.Read(path)
		if err != nil {
			return Report{}, fmt.Errorf("checker: read %s: %w", name, err)
		}
		for _, m := range msgs {
			switch m.MType {
			case protocol.ParticipantVoteCommit, protocol.ParticipantVoteAbort:
				if participantVotes[m.TxID] == nil {
					participantVotes[m.TxID] = make(map[string]protocol.MessageType)
				}
				participantVotes[m.TxID][name] = m.MType
			}
		}
	}

	decisions := make(map[string]protocol.MessageType)
	decisionCounts := make(map[string]int)
	for _, m := range coordMsgs {
		switch m.MType {
		case protocol.CoordinatorCommit, protocol.CoordinatorAbort:
			decisions[m.TxID] = m.MType
			decisionCounts[m.TxID]++
		}
	}

	report := Report{}

	for txid, count := range decisionCounts {
		if count > 1 {
			report.Violations = append(report.Violations, Violation{
				Property: "P3", TxID: txid,
				Detail: fmt.Sprintf("%d decisions recorded for one transaction", count),
			})
		}
	}

	for txid, decision := range decisions {
		report.Checked++
		votes := participantVotes[txid]

		switch decision {
		case protocol.CoordinatorCommit:
			for name, vote := range votes {
				if vote != protocol.ParticipantVoteCommit {
					report.Violations = append(report.Violations, Violation{
						Property: "P1", TxID: txid,
						Detail: fmt.Sprintf("coordinator committed but %s recorded %s", name, vote),
					})
				}
			}
		case protocol.CoordinatorAbort:
			hasAbortVote := false
			for _, vote := range votes {
				if vote == protocol.ParticipantVoteAbort {
					hasAbortVote = true
					break
				}
			}
			missingVote := len(votes) < numParticipants
			if !hasAbortVote && !missingVote {
				report.Violations = append(report.Violations, Violation{
					Property: "P2", TxID: txid,
					Detail: "coordinator aborted but no participant voted abort and no vote is missing",
				})
			}
		}
	}

	expectedTotal := numClients * numRequests
	if len(decisions) > expectedTotal {
		report.Violations = append(report.Violations, Violation{
			Property: "P4", TxID: "*",
			Detail: fmt.Sprintf("coordinator recorded %d decisions, more than the declared %d (clients x requests)", len(decisions), expectedTotal),
		})
	}

	printReport(report)
	return report, nil
}

func printReport(r Report) {
	if r.Pass() {
		color.New(color.FgGreen, color.Bold).Print("PASS")
		fmt.Printf(" - %d transactions checked, no violations\n", r.Checked)
		return
	}

	color.New(color.FgRed, color.Bold).Print("FAIL")
	fmt.Printf(" - %d transactions checked, %d violations\n", r.Checked, len(r.Violations))
	for _, v := range r.Violations {
		color.New(color.FgYellow).Printf("  [%s] txid=%s: %s\n", v.Property, v.TxID, v.Detail)
	}
}
