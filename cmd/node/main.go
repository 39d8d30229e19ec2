// Command node runs one cluster peer: it loads the peers file, starts the
// TCP listener, the heartbeat loop and the initial election check, then
// drives a small REPL on stdin for req/elect/status/help/quit.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mapokapo/drs-p2-project/pkg/node"
	"github.com/mapokapo/drs-p2-project/pkg/node/definition"
	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

func main() {
	var nodeID int
	var peersPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "node",
		Short: "Run a distributed mutex/election cluster peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(nodeID, peersPath, metricsAddr)
		},
	}
	root.Flags().IntVar(&nodeID, "id", 0, "this node's id (required)")
	root.Flags().StringVar(&peersPath, "peers", "peers.json", "path to the peers JSON file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100 (disabled if empty)")
	_ = root.MarkFlagRequired("id")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(nodeID int, peersPath, metricsAddr string) error {
	peers, err := types.LoadPeerTable(peersPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: peers file %q not found or invalid: %v\n", peersPath, err)
		os.Exit(1)
	}
	if _, ok := peers[nodeID]; !ok {
		fmt.Fprintf(os.Stderr, "Error: Node ID %d not found in %s\n", nodeID, peersPath)
		os.Exit(1)
	}

	log := definition.NewDefaultLogger(nodeID)
	if sink, err := definition.NewCloudWatchSink(nodeID); err != nil {
		fmt.Fprintf(os.Stderr, "CLOUDWATCH ERROR: %v\n", err)
	} else if sink != nil {
		log.AddSink(sink)
	}

	metrics := definition.NewMetrics(nodeID)

	n, err := node.New(nodeID, peers, log, metrics)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Event("SYSTEM", fmt.Sprintf("metrics server stopped: %v", err), 0, nil)
			}
		}()
		defer server.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Event("SYSTEM", fmt.Sprintf("Received signal %v, shutting down.", sig), 0, nil)
		n.Shutdown()
		os.Exit(0)
	}()

	log.Event("SYSTEM", fmt.Sprintf("Node %d started.", nodeID), 0, nil)
	n.Start()

	runREPL(n)
	n.Shutdown()
	return nil
}

func runREPL(n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case "req":
			go n.Request()
		case "elect":
			n.Elect()
		case "status":
			s := n.Status()
			if s.CoordinatorID != nil {
				fmt.Printf("Leader: %d, State: %s\n", *s.CoordinatorID, s.State)
			} else {
				fmt.Printf("Leader: none, State: %s\n", s.State)
			}
		case "help":
			fmt.Println("Commands: req | elect | status | kill/quit/exit | help")
		case "quit", "kill", "exit":
			return
		}
	}
}
