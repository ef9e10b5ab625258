package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TFMV/furydcc/config"
)

var cfgFile string

// rootCmd is the base command for the furydcc CLI.
var rootCmd = &cobra.Command{
	Use:   "furydcc",
	Short: "furydcc - peer-to-peer DCC file transfers",
	Long:  "furydcc runs a node that offers, accepts and streams DCC SEND file transfers, and controls a running node over its HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Welcome to furydcc! Use 'furydcc --help' for available commands.")
	},
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config") // config file name (without extension)
		viper.SetConfigType("yaml")   // config file type
		viper.AddConfigPath(".")      // look for the config in the current directory
	}

	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "No config file found, using defaults.")
	}
}

// newLogger builds a production logger at the configured level.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
