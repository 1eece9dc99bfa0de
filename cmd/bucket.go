package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage buckets",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, err := store.Buckets.CreateBucket(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Bucket created: %s (%s)\n", bucket.Name, bucket.ID)
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List buckets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buckets, err := store.Buckets.ListBuckets(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tCREATED")
		for _, b := range buckets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.Name, b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var bucketRemoveCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete an empty bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Buckets.DeleteBucket(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Bucket deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	bucketCmd.AddCommand(bucketCreateCmd, bucketListCmd, bucketRemoveCmd)
	rootCmd.AddCommand(bucketCmd)
}
