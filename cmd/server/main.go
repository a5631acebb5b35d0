// cmd/server is the single binary for every server-side role. The
// subcommand selects the role:
//
//	./server leader   --addr 127.0.0.1:8080 --balancer 127.0.0.1:8000
//	./server follower --addr 127.0.0.1:8081 --leader 127.0.0.1:8080 --balancer 127.0.0.1:8000
//	./server balancer --addr 127.0.0.1:8000
//
// Shard geometry and the erasure/replication switch are flags so a cluster
// can be sized without recompiling. --http starts the read-only status API
// on the given address.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paxos-kvstore/internal/api"
	"paxos-kvstore/internal/balancer"
	"paxos-kvstore/internal/cluster"
	"paxos-kvstore/internal/protocol"
)

type nodeFlags struct {
	addr         string
	leader       string
	balancer     string
	walDir       string
	dataShards   int
	parityShards int
	erasure      bool
	acceptStrict bool
	ackTimeout   time.Duration
	httpAddr     string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "server",
		Short:         "Replicated erasure-coded KV store node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(leaderCmd(logger), followerCmd(logger), balancerCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func addNodeFlags(cmd *cobra.Command, f *nodeFlags, withLeader bool) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "This node's ip:port (required)")
	cmd.Flags().StringVar(&f.balancer, "balancer", "", "Load balancer ip:port (required)")
	if withLeader {
		cmd.Flags().StringVar(&f.leader, "leader", "", "Leader ip:port (required)")
		cmd.MarkFlagRequired("leader")
	}
	cmd.Flags().StringVar(&f.walDir, "wal-dir", "./log", "Directory for the write-ahead log")
	cmd.Flags().IntVar(&f.dataShards, "data-shards", 2, "Erasure data shards (k)")
	cmd.Flags().IntVar(&f.parityShards, "parity-shards", 1, "Erasure parity shards (m)")
	cmd.Flags().BoolVar(&f.erasure, "erasure", true, "Erasure-code values; false replicates the full value")
	cmd.Flags().BoolVar(&f.acceptStrict, "accept-strict", true, "Require accept acks to strictly exceed the majority")
	cmd.Flags().DurationVar(&f.ackTimeout, "ack-timeout", cluster.DefaultAckTimeout, "Fan-out ack collection window")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "Status API listen address (empty disables)")
	cmd.MarkFlagRequired("addr")
	cmd.MarkFlagRequired("balancer")
}

func buildConfig(f *nodeFlags, role cluster.Role) (cluster.Config, error) {
	addr, err := protocol.ParseAddress(f.addr)
	if err != nil {
		return cluster.Config{}, err
	}
	lb, err := protocol.ParseAddress(f.balancer)
	if err != nil {
		return cluster.Config{}, err
	}
	leader := addr
	if role == cluster.RoleFollower {
		if leader, err = protocol.ParseAddress(f.leader); err != nil {
			return cluster.Config{}, err
		}
	}
	return cluster.Config{
		Role:         role,
		Addr:         addr,
		Leader:       leader,
		Balancer:     lb,
		WALDir:       f.walDir,
		DataShards:   f.dataShards,
		ParityShards: f.parityShards,
		ECActive:     f.erasure,
		AcceptStrict: f.acceptStrict,
		AckTimeout:   f.ackTimeout,
	}, nil
}

func runNode(logger *zap.Logger, f *nodeFlags, role cluster.Role) error {
	cfg, err := buildConfig(f, role)
	if err != nil {
		return err
	}
	node, err := cluster.NewNode(cfg, logger)
	if err != nil {
		return err
	}

	if f.httpAddr != "" {
		handler := api.NewHandler(node, logger)
		go func() {
			if err := http.ListenAndServe(f.httpAddr, handler.Router()); err != nil {
				logger.Warn("status api stopped", zap.Error(err))
			}
		}()
		logger.Info("status api listening", zap.String("addr", f.httpAddr))
	}

	return node.Run()
}

func leaderCmd(logger *zap.Logger) *cobra.Command {
	f := &nodeFlags{}
	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Run the cluster leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(logger, f, cluster.RoleLeader)
		},
	}
	addNodeFlags(cmd, f, false)
	return cmd
}

func followerCmd(logger *zap.Logger) *cobra.Command {
	f := &nodeFlags{}
	cmd := &cobra.Command{
		Use:   "follower",
		Short: "Run a follower node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(logger, f, cluster.RoleFollower)
		},
	}
	addNodeFlags(cmd, f, true)
	return cmd
}

func balancerCmd(logger *zap.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "balancer",
		Short: "Run the datagram load balancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := protocol.ParseAddress(addr)
			if err != nil {
				return err
			}
			lb, err := balancer.New(parsed, logger)
			if err != nil {
				return err
			}
			return lb.Run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Balancer ip:port (required)")
	cmd.MarkFlagRequired("addr")
	return cmd
}
