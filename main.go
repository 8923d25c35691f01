package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Set via ldflags.
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "inscribe",
	Short: "Write images to removable disks, erase and format them",
	Long: `inscribe flashes disk images to removable block devices, erases and formats
them through a privileged helper, and refuses to touch the disk the running
system lives on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/inscribe/config.yaml)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("helper-path", "", "path of the privileged helper")
	flags.String("state-dir", "", "directory for operation history and state")
	flags.String("cache-dir", "", "directory for downloaded images")
	flags.String("mounts-source", "proc", "mount table source (proc[:path], gopsutil)")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address during operations")
	flags.String("s3-region", "", "region for s3:// image URLs")

	for key, flag := range map[string]string{
		"log_level":     "log-level",
		"log_format":    "log-format",
		"helper_path":   "helper-path",
		"state_dir":     "state-dir",
		"cache_dir":     "cache-dir",
		"mounts_source": "mounts-source",
		"metrics_addr":  "metrics-addr",
		"s3_region":     "s3-region",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	setDefaults(viper.GetViper())

	rootCmd.AddCommand(
		devicesCmd,
		flashCmd,
		eraseCmd,
		formatCmd,
		checksumCmd,
		downloadCmd,
		verifyCmd,
		cancelCmd,
		historyCmd,
		setupCmd,
		versionCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/inscribe")
		viper.AddConfigPath("/etc/inscribe")
	}

	viper.SetEnvPrefix("INSCRIBE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	checkError(err)
}

func checkError(err error) {
	if err == nil {
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
