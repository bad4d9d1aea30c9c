package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/statekit/statekit/cmd/kv"
	"github.com/statekit/statekit/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "statekit",
		Short: "reactive key-value state container",
		Long: fmt.Sprintf(`statekit (v%s)

A reactive key-value state container with path subscriptions,
pluggable storage engines and cross-instance synchronization.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of statekit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("statekit v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
