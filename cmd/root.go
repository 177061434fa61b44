// Copyright 2019 - 2023 The Samply Community
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samply/blazexport/export"
	"github.com/samply/blazexport/fhir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var server string
var disableTlsSecurity bool
var basicAuthUser string
var basicAuthPassword string
var bearerToken string
var noProgress bool
var configFile string
var logLevel string

var client *fhir.Client

// config holds the settings of the current command. Flags win over
// BLAZEXPORT_* environment variables, which win over the config file and
// the defaults.
var config *viper.Viper

var log = zerolog.Nop()

func createClient() error {
	fhirServerBaseUrl, err := url.ParseRequestURI(server)
	if err != nil {
		return fmt.Errorf("could not parse server's base URL: %v", err)
	}

	auth := fhir.ClientAuth{
		BasicAuthUser:     basicAuthUser,
		BasicAuthPassword: basicAuthPassword,
		BearerToken:       bearerToken,
	}
	if disableTlsSecurity {
		client = fhir.NewClientInsecure(*fhirServerBaseUrl, auth)
	} else {
		client = fhir.NewClient(*fhirServerBaseUrl, auth)
	}
	return nil
}

// newConfig reads the config file if any, the environment and the flags of
// cmd on top of the defaults.
func newConfig(cmd *cobra.Command, file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("batch-size", export.DefaultBatchSize)
	v.SetDefault("evict-every", export.DefaultEvictEvery)
	v.SetDefault("date-layout", export.DefaultDateLayout)
	v.SetDefault("separator", export.DefaultSeparator)
	v.SetDefault("log-level", "info")

	v.SetEnvPrefix("BLAZEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read the config file %s: %w", file, err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

// newLogger returns a console logger writing to w.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(l).
		With().
		Timestamp().
		Logger(), nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blazexport",
	Short: "Export tabular reports of clinical data",
	Long: `blazexport is a command line tool to export tabular reports of clinical
data from a FHIR® server or a relational database.

A report is described by a definition file listing its columns and the
population of patients it covers.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if config, err = newConfig(cmd, configFile); err != nil {
			return err
		}
		if server == "" {
			server = config.GetString("server")
		}
		log, err = newLogger(os.Stderr, config.GetString("log-level"))
		return err
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "the base URL of the FHIR server to use")
	rootCmd.PersistentFlags().BoolVarP(&disableTlsSecurity, "insecure", "k", false, "allow insecure server connections when using SSL")
	rootCmd.PersistentFlags().StringVar(&basicAuthUser, "user", "", "user information for basic authentication")
	rootCmd.PersistentFlags().StringVar(&basicAuthPassword, "password", "", "password information for basic authentication")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "bearer token for authentication")
	rootCmd.PersistentFlags().BoolVarP(&noProgress, "no-progress", "", false, "don't show progress bar")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}
