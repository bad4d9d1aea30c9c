package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/store"
)

// parseValue reads a value argument as JSON, falling back to a plain string
// so `kv set user.name alice` works without quoting gymnastics.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// renderValue prints a value the way it would appear in a snapshot file.
func renderValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

var (
	setCmd = &cobra.Command{
		Use:   "set [path] [value]",
		Short: "Sets the value at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := args[0]
			value := parseValue(args[1])
			if err := localStore.Set(p, value); err != nil {
				return err
			}
			if path.Parseable(p) {
				fmt.Println("set successfully")
			} else {
				fmt.Println("set successfully (raw key, stored verbatim)")
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [path]",
		Short: "Reads the value at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := args[0]
			v, found, err := localStore.Get(p)
			if err != nil {
				return err
			}
			fmt.Printf("path=%s, found=%v, value=%s\n", p, found, renderValue(v))
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [path]",
		Short: "Deletes the entry at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := localStore.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists all top-level keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := localStore.Keys()
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(keys, "\n"))
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [path]",
		Short: "Checks if a value exists at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := localStore.Has(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("path=%s, found=%t\n", args[0], found)
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [path]",
		Short: "Streams changes at a path until interrupted",
		Long:  "Streams changes at a path until interrupted. Without a path every structural change is streamed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				unsub store.Unsubscribe
				err   error
			)
			if len(args) == 1 {
				p := args[0]
				unsub, err = localStore.Subscribe(p, func(c store.Change) {
					switch {
					case c.Initial:
						fmt.Printf("initial %s = %s\n", p, renderValue(c.Value))
					case c.Deleted:
						fmt.Printf("deleted %s\n", p)
					default:
						fmt.Printf("changed %s = %s\n", p, renderValue(c.Value))
					}
				})
			} else {
				unsub, err = localStore.SubscribeToAll(func(c store.Change) {
					if c.Initial {
						fmt.Printf("initial state = %s\n", renderValue(c.State))
						return
					}
					fmt.Printf("changed paths=%v state=%s\n", c.ChangedPaths, renderValue(c.State))
				})
			}
			if err != nil {
				return err
			}
			defer unsub()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
)
