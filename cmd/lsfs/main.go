/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sat Mar 16 11:20:03 2019 mstenber
 * Last modified: Sat Mar 16 13:12:40 2019 mstenber
 * Edit time:     61 min
 *
 */

// lsfs is command line tool for formatting and poking at lsfs
// filesystems.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fingon/go-lsfs/filesystem"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage/factory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile  string
	mlogPattern string
)

var rootCmd = &cobra.Command{
	Use:   "lsfs",
	Short: "Journaled object store filesystem tool",
	Long: `lsfs formats and manipulates lsfs filesystems stored within a
key-value backend.

Configuration is read from lsfs.yaml (current directory or $HOME/.lsfs),
LSFS_ environment variables, and the flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if mlogPattern != "" {
			mlog.SetPattern(mlogPattern)
		}
		return loadConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "configuration file")
	pf.StringVar(&mlogPattern, "mlog", "", "trace logging pattern (regular expression of source files)")
	pf.String("backend", "bolt", fmt.Sprintf("backend to use (possible: %v)", factory.List()))
	pf.String("dir", "", "backend directory")
	pf.String("password", "", "password of the encrypted volumes")
	pf.String("compression", "", "record compression (plain, snappy, lz4, zstd)")
	pf.Int("cache-size", 0, "records cached per store")
	for name, key := range map[string]string{
		"backend":     "backend",
		"dir":         "dir",
		"password":    "password",
		"compression": "compression",
		"cache-size":  "cache_size",
	} {
		viper.BindPFlag(key, pf.Lookup(name))
	}
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("lsfs")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.lsfs")
	}
	viper.SetEnvPrefix("LSFS")
	viper.AutomaticEnv()
	viper.SetDefault("journal_multiplier", 0)
	viper.SetDefault("journal_reserved", 0)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func configuration() (filesystem.Configuration, error) {
	var config filesystem.Configuration
	err := viper.Unmarshal(&config)
	return config, err
}

// withMounted runs cb with mounted filesystem, closing (and so
// flushing) it afterwards.
func withMounted(cb func(ctx context.Context, fs *filesystem.Filesystem) error) error {
	config, err := configuration()
	if err != nil {
		return err
	}
	ctx := context.Background()
	fs, err := filesystem.Mount(ctx, config)
	if err != nil {
		return err
	}
	err = cb(ctx, fs)
	if cerr := fs.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
