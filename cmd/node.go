package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage storage nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register [name] [address]",
	Short: "Register a storage node (s3://bucket[/prefix], gs://bucket[/prefix] or file:///dir)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := store.Nodes.RegisterNode(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Node registered: %s %s (%s)\n", node.Name, node.Address, node.ID)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List storage nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := store.Nodes.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tADDRESS\tHEALTHY\tFAILURES\tFREE\tTOTAL\tLAST SEEN")
		for _, n := range nodes {
			lastSeen := "never"
			if !n.LastSeenAt.IsZero() {
				lastSeen = n.LastSeenAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\t%s\n",
				n.Name, n.ID, n.Address, n.IsHealthy, n.ConsecutiveFailures,
				formatBytes(n.FreeSpace), formatBytes(n.TotalSpace), lastSeen)
		}
		return w.Flush()
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "rm [node-id]",
	Short: "Unregister a storage node that holds no pieces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.LoadNodes(cmd.Context()); err != nil {
			return err
		}
		if err := store.Nodes.UnregisterNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Node unregistered: %s\n", args[0])
		return nil
	},
}

var nodeDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Register every S3 bucket carrying the discovery tag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := store.Nodes.DiscoverNodes(cmd.Context())
		for _, n := range nodes {
			fmt.Printf("Node registered: %s %s (%s)\n", n.Name, n.Address, n.ID)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d new nodes discovered\n", len(nodes))
		return nil
	},
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd, nodeListCmd, nodeRemoveCmd, nodeDiscoverCmd)
	rootCmd.AddCommand(nodeCmd)
}
