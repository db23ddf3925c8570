package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/borud/tunneler/internal/settings"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	tunnelsFile string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "tunneler",
	Short: "Local port forwards over chains of SSH hops",
	Long: `tunneler opens the local port forwards listed in a tunnels file. Each
line names a chain of SSH hops and one forward:

  user1@bastion->user2@inner:2222|localhost:8080:service:80

Tunnels whose chains start with the same hops share those SSH connections.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "settings file (default is $HOME/.config/tunneler/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&tunnelsFile, "tunnels", "t", "", "tunnels file (default is $HOME/.tunneler/tunnels.cfg)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the settings and builds the logger every command uses.
func loadSettings(cmd *cobra.Command) (settings.Settings, *slog.Logger, error) {
	s, err := settings.Load(cfgFile)
	if err != nil {
		return settings.Settings{}, nil, err
	}
	if logLevel != "" {
		s.Log.Level = logLevel
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return settings.Settings{}, nil, fmt.Errorf("invalid log level %q", s.Log.Level)
	}
	return s, s.Log.NewLogger(cmd.ErrOrStderr()), nil
}
