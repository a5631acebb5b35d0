// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	./client --balancer 127.0.0.1:8000 ping
//	./client --balancer 127.0.0.1:8000 set foo hello
//	./client --balancer 127.0.0.1:8000 get foo
//	./client --balancer 127.0.0.1:8000 del foo
//
// Each invocation sends one datagram through the load balancer and prints
// the three-line reply. --repeat multiplies the SET value to generate larger
// payloads for load testing.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paxos-kvstore/internal/client"
)

func main() {
	var balancer string
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "client",
		Short:         "KV store client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&balancer, "balancer", "127.0.0.1:8000", "Load balancer ip:port")
	root.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "Reply timeout")

	newClient := func() *client.Client { return client.New(balancer, timeout) }

	root.AddCommand(pingCmd(newClient), getCmd(newClient), setCmd(newClient), delCmd(newClient))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check cluster liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := newClient().Ping()
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func getCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := newClient().Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func setCmd(newClient func() *client.Client) *cobra.Command {
	var repeat int
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.Repeat(args[1], repeat)
			reply, err := newClient().Set(args[0], value)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Repeat the value this many times")
	return cmd
}

func delCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := newClient().Del(args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
