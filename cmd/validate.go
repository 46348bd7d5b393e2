package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"etherweave.xyz/swfab/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a fabric configuration file",
	Long: `Validate a fabric configuration file without starting the switch.

Useful for pre-checking configuration before deployment.

Examples:
  swfab validate -f config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidateCommand() {
	cfg, err := config.Load(validateConfigFile)
	if err != nil {
		exitWithError("invalid configuration", err)
	}

	fmt.Printf("VALID: %d port(s), %d vlan(s), arena %d bytes\n",
		len(cfg.Ports),
		len(cfg.Vlans),
		cfg.Fabric.ArenaBytes,
	)
}
