// Package cmdutil carries the flag and environment plumbing shared by
// every subcommand: viper instances with the SLACK_AGENTS env prefix,
// table-driven flag registration and .env loading.
package cmdutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

// Flag names shared across subcommands.
const (
	FlagToken    = "token"
	FlagAppToken = "app-token"
	FlagEnvFile  = "env-file"
)

type FlagSpec struct {
	Name         string
	Shorthand    string
	DefaultValue any
	Usage        string
	FlagType     string
}

// CommonSpecs returns the credential and environment flags every
// subcommand takes. Token values follow the resolver rules: empty picks
// the default environment variable, "$NAME" a named one, anything else
// is the literal credential.
func CommonSpecs() []FlagSpec {
	return []FlagSpec{
		{FlagToken, "", "", "Bot token config value. Empty reads SLACK_BOT_TOKEN, '$NAME' reads NAME, anything else is used literally", "string"},
		{FlagAppToken, "", "", "App token config value. Empty reads SLACK_APP_TOKEN, '$NAME' reads NAME, anything else is used literally", "string"},
		{FlagEnvFile, "", "", "Load environment variables from this file before resolving credentials", "string"},
	}
}

// NewViper returns a viper instance bound to the SLACK_AGENTS
// environment prefix. Each subcommand gets its own instance so equal
// flag names on different subcommands do not clobber each other.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SLACK_AGENTS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// Bind registers the flag specs on the command and binds them to the
// viper instance.
func Bind(cmd *cobra.Command, v *viper.Viper, specs []FlagSpec) {
	for _, spec := range specs {
		switch spec.FlagType {
		case "string":
			cmd.Flags().StringP(spec.Name, spec.Shorthand, spec.DefaultValue.(string), spec.Usage)
		case "int":
			cmd.Flags().IntP(spec.Name, spec.Shorthand, spec.DefaultValue.(int), spec.Usage)
		case "bool":
			cmd.Flags().BoolP(spec.Name, spec.Shorthand, spec.DefaultValue.(bool), spec.Usage)
		case "stringSlice":
			cmd.Flags().StringSliceP(spec.Name, spec.Shorthand, spec.DefaultValue.([]string), spec.Usage)
		default:
			panic(fmt.Sprintf("unknown flag type: %s", spec.FlagType))
		}
		if err := v.BindPFlag(spec.Name, cmd.Flags().Lookup(spec.Name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", spec.Name, err))
		}
	}
}

// LoadEnvFile loads the file named by --env-file into the process
// environment. Without the flag a local .env is loaded when present.
func LoadEnvFile(v *viper.Viper) error {
	envFile := v.GetString(FlagEnvFile)
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return xerrors.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}
