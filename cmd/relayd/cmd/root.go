package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	httpPort       string
	workerCount    int
	bufferCapacity int
	overflowPolicy string
	filterTypes    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - forward decisioning notifications to analytics sinks",
	Long: `relayd is a sidecar daemon that consumes the decisioning agent's
notification feed and forwards decision and track events to the configured
analytics platforms, with independent per-sink retry and dead-lettering.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&httpPort, "http-port", "", "diagnostics server port (overrides HTTP_PORT)")
	rootCmd.PersistentFlags().IntVar(&workerCount, "workers", 0, "processor worker pool size (overrides BUFFER_WORKERS)")
	rootCmd.PersistentFlags().IntVar(&bufferCapacity, "buffer-capacity", 0, "event buffer capacity (overrides BUFFER_CAPACITY)")
	rootCmd.PersistentFlags().StringVar(&overflowPolicy, "overflow-policy", "", "buffer overflow policy: block or drop_oldest")
	rootCmd.PersistentFlags().StringVar(&filterTypes, "filter", "", "notification type filter sent to the feed")

	viper.BindPFlag("http-port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("buffer-capacity", rootCmd.PersistentFlags().Lookup("buffer-capacity"))
	viper.BindPFlag("overflow-policy", rootCmd.PersistentFlags().Lookup("overflow-policy"))
	viper.BindPFlag("filter", rootCmd.PersistentFlags().Lookup("filter"))
}

// initConfig wires environment variables into viper-backed flags.
func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()
}
