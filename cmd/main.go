package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zstore-cluster/internal/app"
	"github.com/zzenonn/zstore-cluster/internal/config"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
	"github.com/zzenonn/zstore-cluster/internal/logging"
)

var (
	cfg        *config.Config
	store      *app.App
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "zstore",
	Short: "Chunked, replicated and erasure coded object store",
	Long: "zstore stores objects across independent storage nodes (S3 buckets, GCS buckets or local directories). " +
		"Small objects are replicated whole; larger ones are split into chunks and Reed-Solomon coded.",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("catalog.backend", "dynamodb", "Catalog backend (dynamodb or memory)")
	rootCmd.PersistentFlags().String("catalog.table", "zstore-catalog", "DynamoDB catalog table")
	rootCmd.PersistentFlags().String("aws.region", "", "AWS region")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the catalog table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if store.Database == nil {
			return fmt.Errorf("init requires the dynamodb catalog backend")
		}
		if err := store.Database.MigrateDb(cmd.Context()); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
		fmt.Println("Catalog table created successfully")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete the catalog table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if store.Database == nil {
			return fmt.Errorf("down requires the dynamodb catalog backend")
		}
		if err := store.Database.MigrateDown(cmd.Context()); err != nil {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		fmt.Println("Catalog table deleted successfully")
		return nil
	},
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	store, err = app.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
}

// loadNodes fills the node registry for commands that talk to storage nodes.
func loadNodes(ctx context.Context) error {
	if err := store.LoadNodes(ctx); err != nil {
		return err
	}
	if len(store.Registry.ListHealthy()) == 0 {
		log.Warn("No healthy nodes registered")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
}

// exitCode is 2 for requests the store rejected, 3 when storage nodes could not serve
// them and 1 for everything else.
func exitCode(err error) int {
	switch zerrors.CodeOf(err) {
	case zerrors.CodeBucketNotFound, zerrors.CodeBucketNotEmpty, zerrors.CodeBucketAlreadyExists,
		zerrors.CodeInvalidBucketName, zerrors.CodeObjectNotFound, zerrors.CodeObjectTooLarge,
		zerrors.CodeInvalidKey, zerrors.CodeDangerousContentType, zerrors.CodeNodeNotFound,
		zerrors.CodeInvalidNode, zerrors.CodeNodeHasData:
		return 2
	case zerrors.CodeInsufficientNodes, zerrors.CodeNoHealthyNodes,
		zerrors.CodeUploadFailed, zerrors.CodeDownloadFailed:
		return 3
	default:
		return 1
	}
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if store != nil {
		store.Close()
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(exitCode(err))
	}
}
