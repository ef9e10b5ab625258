package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/node"
)

// nodeCmd starts a furydcc node.
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a furydcc node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return initNode(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
}

// initNode initializes and starts a node
func initNode(cmd *cobra.Command, args []string) error {
	// Initialize Zap logger for structured logging.
	logger, err := newLogger()
	if err != nil {
		fmt.Println("Failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()

	if err := node.StartNode(logger, viper.GetViper()); err != nil {
		logger.Error("Node failed", zap.Error(err))
		return err
	}
	return nil
}
