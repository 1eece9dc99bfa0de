package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const urlScheme = "zs://"

var quiet bool

// parseObjectURL splits zs://bucket/key. The key may contain slashes.
func parseObjectURL(raw string) (bucket, key string, err error) {
	if !strings.HasPrefix(raw, urlScheme) {
		return "", "", fmt.Errorf("URL must start with %s", urlScheme)
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(raw, urlScheme), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("URL must name a bucket: %s", raw)
	}
	return bucket, key, nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file-path] [zs://bucket/prefix/object]",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, zsURL := args[0], args[1]

		bucket, key, err := parseObjectURL(zsURL)
		if err != nil {
			return err
		}
		// Trailing slash or bare bucket means "keep the file name"
		if key == "" || strings.HasSuffix(key, "/") {
			key += filepath.Base(filePath)
		}

		file, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("error opening file: %w", err)
		}
		defer file.Close()

		var reader io.Reader = file
		if !quiet {
			if stat, err := file.Stat(); err == nil {
				bar := progressbar.DefaultBytes(stat.Size(), "uploading")
				pbReader := progressbar.NewReader(file, bar)
				reader = &pbReader
			}
		}

		contentType, _ := cmd.Flags().GetString("content-type")
		if err := loadNodes(cmd.Context()); err != nil {
			return err
		}

		summary, err := store.Objects.UploadObject(cmd.Context(), bucket, key, reader, contentType, filepath.Base(filePath))
		if err != nil {
			return err
		}
		fmt.Printf("File uploaded successfully: %s -> %s%s/%s (%s, %s)\n",
			filePath, urlScheme, bucket, key, summary.Strategy, summary.ContentType)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [zs://bucket/prefix/object] [output-path]",
	Short: "Download a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		zsURL, outputPath := args[0], args[1]

		bucket, key, err := parseObjectURL(zsURL)
		if err != nil {
			return err
		}
		if err := loadNodes(cmd.Context()); err != nil {
			return err
		}

		body, obj, err := store.Objects.DownloadObject(cmd.Context(), bucket, key)
		if err != nil {
			return err
		}
		defer body.Close()

		var reader io.Reader = body
		if !quiet {
			bar := progressbar.DefaultBytes(obj.Size, "downloading")
			pbReader := progressbar.NewReader(body, bar)
			reader = &pbReader
		}

		// If output path is a directory, use the filename from the key
		if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
			outputPath = filepath.Join(outputPath, filepath.Base(key))
		}

		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}

		outFile, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("error creating output file: %w", err)
		}
		defer outFile.Close()

		if _, err := io.Copy(outFile, reader); err != nil {
			os.Remove(outputPath)
			return fmt.Errorf("error writing file: %w", err)
		}

		fmt.Printf("File downloaded successfully: %s -> %s\n", zsURL, outputPath)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "rm [zs://bucket/prefix/object]",
	Aliases: []string{"delete"},
	Short:   "Delete a file from every node holding it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, key, err := parseObjectURL(args[0])
		if err != nil {
			return err
		}
		if err := loadNodes(cmd.Context()); err != nil {
			return err
		}
		if err := store.Objects.DeleteObject(cmd.Context(), bucket, key); err != nil {
			return err
		}
		fmt.Printf("File deleted successfully: %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "ls [zs://bucket]",
	Short: "List the objects of a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, prefix, err := parseObjectURL(args[0])
		if err != nil {
			return err
		}
		objects, err := store.Objects.ListObjects(cmd.Context(), bucket)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tSTRATEGY\tSTATUS\tCONTENT TYPE\tID")
		for _, o := range objects {
			if !strings.HasPrefix(o.Key, prefix) {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", o.Key, o.Size, o.Strategy, o.Status, o.ContentType, o.ID)
		}
		return w.Flush()
	},
}

var statCmd = &cobra.Command{
	Use:   "stat [object-id]",
	Short: "Show the redundancy status of an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := store.Objects.GetObjectStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		fmt.Printf("Object:    %s\nStatus:    %s\nStrategy:  %s\nChunks:    %d\n", status.ObjectID, status.Status, status.Strategy, status.Chunks)
		fmt.Printf("Pieces:    %d total, %d healthy, %d missing, %d corrupted\n",
			status.Total, status.Healthy, status.Missing, status.Corrupted)
		return nil
	},
}

func init() {
	uploadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	uploadCmd.Flags().String("content-type", "", "Claimed content type of the file")
	downloadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	statCmd.Flags().Bool("json", false, "Print the full report as JSON")
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statCmd)
}
