// Package app provides the commands of the oidc-authserver binary.
package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X ...app.version=...".
var version = "dev"

// NewRootCmd creates the root command with its subcommands. Each call gets
// its own viper instance.
func NewRootCmd() *cobra.Command {
	v := newViper()

	rootCmd := &cobra.Command{
		Use:   "oidc-authserver",
		Short: "OAuth 2.0 and OpenID Connect authorization server",
		Long: `oidc-authserver issues authorization codes, access tokens, refresh tokens
and ID tokens to registered clients on behalf of authenticated principals.

Configuration is read from flags, OIDC_ environment variables, a config file
and built-in defaults, in that order. A .env file in the working directory is
loaded first when present.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(".env"); err != nil {
				return err
			}
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return readConfigFile(v, configFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")
	bindFlag(v, "log.level", rootCmd, "log-level")
	bindFlag(v, "log.format", rootCmd, "log-format")

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newGenKeyCmd())
	rootCmd.AddCommand(newHashCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// bindFlag makes the named flag of cmd the top-priority source for key.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
	}
}
