package util

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/backend/engines/file"
	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/channel/nats"
	"github.com/statekit/statekit/lib/codec"
	"github.com/statekit/statekit/lib/middleware/bsync"
	"github.com/statekit/statekit/lib/store"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupStoreFlags adds the store construction flags to a command
func SetupStoreFlags(cmd *cobra.Command) {
	key := "engine"
	cmd.PersistentFlags().String(key, "memory", WrapString("Storage engine to use (memory, file)"))

	key = "data-file"
	cmd.PersistentFlags().String(key, "statekit.snapshot", WrapString("Snapshot path for the file engine"))

	key = "store-name"
	cmd.PersistentFlags().String(key, "default", WrapString("Logical store name (also the sync channel name)"))

	key = "sync-url"
	cmd.PersistentFlags().String(key, "", WrapString("NATS server address to sync with. Empty disables synchronization"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("statekit")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetCodec creates a codec based on configuration
func GetCodec() (codec.ICodec, error) {
	switch viper.GetString("serializer") {
	case "json":
		return codec.NewJSONCodec(), nil
	case "gob":
		return codec.NewGOBCodec(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetBackendFactory creates a backend factory based on configuration
func GetBackendFactory() (backend.Factory, error) {
	switch viper.GetString("engine") {
	case "memory":
		return memory.Factory(), nil
	case "file":
		cdc, err := GetCodec()
		if err != nil {
			return nil, err
		}
		opts := file.DefaultOptions(viper.GetString("data-file"))
		opts.Codec = cdc
		return file.FactoryWithOptions(opts), nil
	default:
		return nil, fmt.Errorf("invalid engine %s", viper.GetString("engine"))
	}
}

// OpenStore builds and initializes the store described by the current
// configuration, wiring the NATS sync middleware when a sync-url is set.
func OpenStore() (store.IStore, error) {
	factory, err := GetBackendFactory()
	if err != nil {
		return nil, err
	}

	name := viper.GetString("store-name")
	s := store.New(name, factory, nil)

	if url := viper.GetString("sync-url"); url != "" {
		opts := nats.DefaultOptions()
		opts.URL = url
		ch, err := nats.New(name, opts)
		if err != nil {
			return nil, fmt.Errorf("sync channel: %w", err)
		}
		if err := s.Use(bsync.New(bsync.DefaultOptions(ch))); err != nil {
			return nil, fmt.Errorf("sync middleware: %w", err)
		}
	}

	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// BindCommandFlags binds a command's flags (including the flags inherited
// from its parents) to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}
