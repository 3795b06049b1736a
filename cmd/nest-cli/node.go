package main

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/timelocknest/internal/rpc"
	"github.com/spf13/cobra"
)

func newNodeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect the connected node",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var info rpc.NodeInfoResult
			if err := root.client().Call("node_getInfo", nil, &info); err != nil {
				return fmt.Errorf("node_getInfo: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return printJSON(out, info)
			}
			fmt.Fprintf(out, "Version: %s\n", info.Version)
			fmt.Fprintf(out, "Network: %s\n", info.Network)
			fmt.Fprintf(out, "Nests:   %d\n", info.Nests)
			fmt.Fprintf(out, "Oracle:  %s\n", info.Oracle)
			if info.PeerID != "" {
				fmt.Fprintf(out, "Node ID: %s\n", info.PeerID)
				for _, a := range info.Addrs {
					fmt.Fprintf(out, "  Listen: %s\n", a)
				}
				fmt.Fprintf(out, "Peers:   %d\n", info.Peers)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "Show connected peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var peers rpc.PeerInfoResult
			if err := root.client().Call("net_getPeerInfo", nil, &peers); err != nil {
				return fmt.Errorf("net_getPeerInfo: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return printJSON(out, peers)
			}
			fmt.Fprintf(out, "Peers:   %d\n", peers.Count)
			for _, p := range peers.Peers {
				fmt.Fprintf(out, "  %s (connected: %s, source: %s, events: %d)\n", p.ID, p.ConnectedAt, p.Source, p.Events)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "bans",
		Short: "Show banned peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var bans rpc.BanListResult
			if err := root.client().Call("net_getBanList", nil, &bans); err != nil {
				return fmt.Errorf("net_getBanList: %w", err)
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return printJSON(out, bans)
			}
			fmt.Fprintf(out, "Banned:  %d\n", bans.Count)
			for _, b := range bans.Bans {
				fmt.Fprintf(out, "  %s score=%d until %s: %s\n",
					b.ID, b.Score, time.Unix(b.ExpiresAt, 0).UTC().Format(time.RFC3339), b.Reason)
			}
			return nil
		},
	})
	return cmd
}
