// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swfab",
	Short: "swfab - software Ethernet switch fabric on a shared packet pool",
	Long: `swfab is a software Ethernet switch built around a fixed shared-memory
packet pool. Frames enter through per-port incremental writers, flow
through an ordered chain of inspection plugins (MAC learning, 802.1Q
policy, BPF filtering), and leave through per-port priority queues.

All switching work runs on a cooperative event loop; the ingress path
is O(1) and allocation free, suitable for time-critical producers.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/swfab/config.yml",
		"config file path")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
