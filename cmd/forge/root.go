package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/splax/imageforge/pkg/logger"
)

const defaultConfigFile = "~/.forge.yaml"

type cli struct {
	conf *viper.Viper
	log  *slog.Logger
}

func rootCommand() *cobra.Command {
	c := &cli{conf: viper.New()}
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Detect, containerize and build applications in a checkout",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", defaultConfigFile, "config file")
	root.PersistentFlags().String("log-level", "warn", "log level (debug|info|warn|error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := c.load(cmd); err != nil {
			return err
		}
		c.log = logger.NewWithWriter(cmd.ErrOrStderr(), "forge", logger.ParseLevel(c.conf.GetString("log-level")))
		return nil
	}
	root.AddCommand(c.detectCommand(), c.generateCommand(), c.buildCommand())
	return root
}

// load merges ~/.forge.yaml, FORGE_* variables and flags, flags winning.
func (c *cli) load(cmd *cobra.Command) error {
	c.conf.SetEnvPrefix("forge")
	c.conf.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.conf.AutomaticEnv()
	if err := c.conf.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	raw, _ := cmd.Flags().GetString("config")
	path, err := homedir.Expand(raw)
	if err != nil {
		return err
	}
	c.conf.SetConfigFile(path)
	c.conf.SetConfigType(strings.TrimPrefix(filepath.Ext(path), "."))
	if err := c.conf.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			if cmd.Flags().Changed("config") {
				return err
			}
			return nil
		}
		return err
	}
	return nil
}

func checkoutArg(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return filepath.Abs(dir)
}
