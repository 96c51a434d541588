// Command zsctl is an operator CLI for the coordination plane. It opens the
// same Durable Store a coreserver process uses and drives the Node Registry,
// Task Scheduler, and Escrow state machines directly in-process — there is
// no network RPC surface, per spec.md §1's exclusion of a presentation
// layer, so zsctl is the administrative front door instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "v0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "zsctl",
	Short:   "zsctl - operator CLI for the zerostate coordination plane",
	Long:    "zsctl inspects and drives a zerostate coordination plane's Node Registry, Task Scheduler, and Escrow state directly against its store.",
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "coordination plane config file (default ./zerostate.yaml)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("zerostate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("ZEROSTATE")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
