// Command twopc is the single binary for every role in the simulator: the
// coordinator parent process, a client child, a participant child, and the
// offline checker, selected by --mode.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/distsim/twopc/internal/bus"
	"github.com/distsim/twopc/internal/checker"
	"github.com/distsim/twopc/internal/client"
	"github.com/distsim/twopc/internal/coordinator"
	"github.com/distsim/twopc/internal/metrics"
	"github.com/distsim/twopc/internal/oplog"
	"github.com/distsim/twopc/internal/participant"
)

// bootstrapGrace is the fixed pause after bootstrapping every child and
// before the coordinator starts its protocol loop.
const bootstrapGrace = 100 * time.Millisecond

func main() {
	mode := flag.String("mode", "", "role: run, client, participant, check")
	logPath := flag.String("log_path", "./twopc-logs", "directory for oplog files")
	numClients := flag.Int("num_clients", 1, "number of client processes (parent only)")
	numParticipants := flag.Int("num_participants", 1, "number of participant processes (parent only)")
	numRequests := flag.Int("num_requests", 1, "requests per client")
	ipcPath := flag.String("ipc_path", "", "bootstrap one-shot address (children only)")
	num := flag.Int("num", 0, "child index (children only)")
	sendSuccessProb := flag.Float64("send_success_probability", 1.0, "participant vote-drop simulation probability")
	operationSuccessProb := flag.Float64("operation_success_probability", 1.0, "participant local-op failure simulation probability")
	verbosity := flag.Int("verbosity", 0, "logging verbosity level")
	metricsAddr := flag.String("metrics_addr", "", "optional address to serve Prometheus /metrics on (parent only)")
	flag.Parse()

	if *verbosity > 0 {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	switch *mode {
	case "run":
		runParent(*logPath, *numClients, *numParticipants, *numRequests, *sendSuccessProb, *operationSuccessProb, *metricsAddr)
	case "client":
		runClient(*ipcPath, *num, *numRequests)
	case "participant":
		runParticipant(*ipcPath, *num, *logPath, *sendSuccessProb, *operationSuccessProb)
	case "check":
		report, err := checker.Run(*logPath, *numClients, *numParticipants, *numRequests)
		if err != nil {
			log.Fatalf("check: %v", err)
		}
		if !report.Pass() {
			os.Exit(1)
		}
	default:
		log.Fatalf("unknown --mode %q: must be one of run, client, participant, check", *mode)
	}
}

// runParent bootstraps every client and participant, starting a fresh
// one-shot endpoint per child, spawning the child via a self re-exec, and
// waiting for the handshake to complete — all clients first, then all
// participants — before handing control to the coordinator.
func runParent(logPath string, numClients, numParticipants, numRequests int, sendProb, opProb float64, metricsAddr string) {
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		log.Fatalf("run: creating log dir %s: %v", logPath, err)
	}

	registry := bus.NewRegistry()

	var counters *metrics.Counters
	if metricsAddr != "" {
		promRegistry := prometheus.NewRegistry()
		counters = metrics.NewCounters(promRegistry)
		go func() {
			if err := metrics.Serve(metricsAddr, promRegistry); err != nil {
				log.Printf("run: metrics server stopped: %v", err)
			}
		}()
	}

	running := &atomic.Bool{}
	running.Store(true)
	installSignalHandler(running)

	var children []*exec.Cmd

	for i := 0; i < numClients; i++ {
		oneShot, err := bus.ListenOneShot()
		if err != nil {
			log.Fatalf("run: client %d: open bootstrap endpoint: %v", i, err)
		}
		cmd, err := spawnChild("client", i, oneShot.Addr(), "",
			"--num_requests", strconv.Itoa(numRequests))
		if err != nil {
			log.Fatalf("run: spawn client %d: %v", i, err)
		}
		children = append(children, cmd)

		link, err := oneShot.AcceptHandshake()
		if err != nil {
			log.Fatalf("run: client %d: handshake: %v", i, err)
		}
		registry.AddClient(fmt.Sprintf("client_%d", i), link)
	}

	for i := 0; i < numParticipants; i++ {
		oneShot, err := bus.ListenOneShot()
		if err != nil {
			log.Fatalf("run: participant %d: open bootstrap endpoint: %v", i, err)
		}
		cmd, err := spawnChild("participant", i, oneShot.Addr(), logPath,
			"--send_success_probability", strconv.FormatFloat(sendProb, 'f', -1, 64),
			"--operation_success_probability", strconv.FormatFloat(opProb, 'f', -1, 64))
		if err != nil {
			log.Fatalf("run: spawn participant %d: %v", i, err)
		}
		children = append(children, cmd)

		link, err := oneShot.AcceptHandshake()
		if err != nil {
			log.Fatalf("run: participant %d: handshake: %v", i, err)
		}
		registry.AddParticipant(fmt.Sprintf("participant_%d", i), link)
	}

	time.Sleep(bootstrapGrace)

	coordLog, err := oplog.New(filepath.Join(logPath, "coordinator.log"))
	if err != nil {
		log.Fatalf("run: open coordinator log: %v", err)
	}
	defer coordLog.Close()

	coordinator.New(registry, coordLog, counters, running).Run()

	for _, cmd := range children {
		_ = cmd.Wait()
	}
}

// spawnChild re-execs the current binary in the given role. ipcPath is the
// bootstrap address the child should dial; logPath, if non-empty, is
// forwarded as --log_path.
func spawnChild(mode string, index int, ipcPath, logPath string, extra ...string) (*exec.Cmd, error) {
	args := []string{
		"--mode", mode,
		"--ipc_path", ipcPath,
		"--num", strconv.Itoa(index),
	}
	if logPath != "" {
		args = append(args, "--log_path", logPath)
	}
	args = append(args, extra...)

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s %d: %w", mode, index, err)
	}
	return cmd, nil
}

func runClient(ipcPath string, index, numRequests int) {
	link, err := bus.DialAndHandshake(ipcPath)
	if err != nil {
		log.Fatalf("client: handshake: %v", err)
	}

	running := &atomic.Bool{}
	running.Store(true)
	installSignalHandler(running)

	id := fmt.Sprintf("client_%d", index)
	client.New(id, link, running, nil).Run(numRequests)
}

func runParticipant(ipcPath string, index int, logPath string, sendProb, opProb float64) {
	link, err := bus.DialAndHandshake(ipcPath)
	if err != nil {
		log.Fatalf("participant: handshake: %v", err)
	}
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		log.Fatalf("participant: creating log dir %s: %v", logPath, err)
	}

	id := fmt.Sprintf("participant_%d", index)
	plog, err := oplog.New(filepath.Join(logPath, fmt.Sprintf("participant_%d.log", index)))
	if err != nil {
		log.Fatalf("participant: open log: %v", err)
	}
	defer plog.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(index)))
	participant.New(id, link, plog, nil, sendProb, opProb, rng).Run()
}

func installSignalHandler(running *atomic.Bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		running.Store(false)
	}()
}
