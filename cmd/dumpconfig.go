package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dumpConfigPath string

// dumpConfigCmd writes the effective configuration, defaults included, so a
// run can be reproduced or a config file bootstrapped.
var dumpConfigCmd = &cobra.Command{
	Use:   "dumpconfig",
	Short: "Dump the effective configuration to a file",
	Run: func(cmd *cobra.Command, args []string) {
		if err := viper.WriteConfigAs(dumpConfigPath); err != nil {
			log.Error().Err(err).Str("path", dumpConfigPath).Msg("Failed to write config")
			os.Exit(1)
		}
		fmt.Println("Configuration written to", dumpConfigPath)
	},
}

func init() {
	rootCmd.AddCommand(dumpConfigCmd)
	dumpConfigCmd.Flags().StringVarP(&dumpConfigPath, "output", "o", "periscan.yaml", "Output path")
}
