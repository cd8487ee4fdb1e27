// Command channel-manager decides when and to which radio channel a mesh
// network should move, drives the network-wide change, and publishes its
// decisions to MQTT and a local HTTP status page.
//
// Usage:
//
//	channel-manager run [flags]
//	channel-manager print-config [flags]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweeney/channel-manager/internal/config"
	"github.com/sweeney/channel-manager/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "channel-manager",
	Short: "Mesh network channel manager",
	Long: `Channel-manager watches channel occupancy on a mesh network, picks a better
channel when the current one is congested, and schedules a network-wide
channel change through the dataset update protocol.

Status is served over HTTP (/, /index.json, /ws) and manager events are
published to MQTT.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Flags shared by run and print-config. Flags win over file and environment.
var (
	configPath string
	logLevel   string
	logFile    string
	broker     string
	httpAddr   string
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, printConfigCmd} {
		cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
		cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
		cmd.Flags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file, rotated")
		cmd.Flags().StringVar(&broker, "broker", "", "MQTT broker address")
		cmd.Flags().StringVar(&httpAddr, "http", "", `HTTP status address ("off" to disable)`)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(printConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the channel manager daemon",
	Example: `  # Run with defaults against the simulated mesh
  channel-manager run --log-level info

  # Run with a config file and a different broker
  channel-manager run -c /etc/channel-manager.yaml --broker tcp://10.0.0.5:1883`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.File); err != nil {
			return err
		}
		defer logging.Sync()
		return run(cfg, logging.GetLogger())
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print the effective configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "channel-manager %s\n", version)
	},
}

// loadConfig loads the config and applies any flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = logFile
	}
	if flags.Changed("broker") {
		cfg.MQTT.Broker = broker
	}
	if flags.Changed("http") {
		cfg.HTTP.Addr = httpAddr
		if httpAddr == "off" {
			cfg.HTTP.Addr = ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
