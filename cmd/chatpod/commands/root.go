package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/murmulab/chatpod/pkg/cli"
)

var (
	// Global flags
	verbose bool

	// Global configuration (loaded at init time)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "chatpod",
	Short: "Real-time voice assistant client",
	Long: `chatpod - a real-time voice assistant client.

The engine captures microphone audio, streams it to a conversation
backend over websocket or MQTT+UDP, and plays the spoken reply. Tool
calls from the backend run against locally registered handlers.

Configuration is stored in the OS config directory:
  macOS:   ~/Library/Application Support/chatpod/
  Linux:   ~/.config/chatpod/
  Windows: %AppData%/chatpod/

Use 'chatpod config' to manage contexts and the pod service settings.

Examples:
  # Create a context and point it at a backend
  chatpod config add-context dev
  chatpod config set dev pod url wss://pods.example.com/ws
  chatpod config use-context dev

  # Stream a WAV file as the microphone, capture the reply
  chatpod run --mic question.wav --speaker reply.pcm

  # Type instead of speaking
  chatpod run --text`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// configLoadErr stores the error from cli.Load() for deferred reporting.
var configLoadErr error

func initConfig() {
	cfg, err := cli.Load()
	if err != nil {
		// Commands that need config get a clear error via GetConfig().
		// This avoids failing commands like 'chatpod version'.
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the global configuration.
// Returns an error if the config could not be loaded (e.g., HOME not set).
func GetConfig() (*cli.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		cfg, err := cli.Load()
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
