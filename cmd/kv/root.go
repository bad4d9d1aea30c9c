package kv

import (
	"github.com/spf13/cobra"

	"github.com/statekit/statekit/cmd/util"
	"github.com/statekit/statekit/lib/store"
)

var (
	localStore store.IStore

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Operate the local state store",
		PersistentPreRunE: setupStore,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if localStore != nil {
				return localStore.Destroy()
			}
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common store construction flags to the KV command
	util.SetupStoreFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(keysCmd)
	KeyValueCommands.AddCommand(hasCmd)
	KeyValueCommands.AddCommand(watchCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupStore builds the store described by the flags and environment
func setupStore(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	localStore, err = util.OpenStore()
	return err
}
