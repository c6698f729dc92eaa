// Package cmd contains the root command for the abbert CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose  bool
	logLevel string
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "abbert",
	Short: "Pretrain BERT on paired antibody chains",
	Long: `
Pretrain BERT on paired antibody heavy/light chains.

Trains the masked language modelling and next sentence prediction
objectives over heavy[SEP]light records, and tokenizes light chains
residue by residue.
	`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := log.ParseLevel(RootArgs.logLevel)
		if err != nil {
			return err
		}
		if RootArgs.verbose {
			level = log.DebugLevel
		}
		log.SetLevel(level)
		log.SetReportTimestamp(true)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().
		StringVar(&RootArgs.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewTokenizeCommand())
	rootCmd.AddCommand(NewCheckCommand())
}
