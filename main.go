// Copyright 2025-2026 The FedIds Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"

	"github.com/apex/log"
	apexCLI "github.com/apex/log/handlers/cli"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/fedids/realtime/cmd"
	"github.com/fedids/realtime/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	// Subcommand arguments are checked by the subcommands
	Watch      cmd.WatchCLIArgs      `validate:"-"`
	Feed       cmd.FeedServerCLIArgs `validate:"-"`
	TokenSet   cmd.TokenSetCLIArgs   `validate:"-"`
	TokenIssue cmd.TokenIssueCLIArgs `validate:"-"`
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	// Local overrides of the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).WithFields(logTags).Fatal("Unable to read .env")
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Realtime attack and federated learning feeds of the FedIds platform",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "watch",
				Usage:       "Watch a realtime feed channel",
				Description: "Subscribes to a feed channel and prints every update",
				Flags:       cmd.GetWatchCLIFlags(&cmdArgs.Watch),
				Action:      startWatch,
			},
			{
				Name:        "feed",
				Usage:       "Run the realtime feed server",
				Description: "Serves the WebSocket and NDJSON push channels, and the publish API",
				Flags:       cmd.GetFeedServerCLIFlags(&cmdArgs.Feed),
				Action:      startFeedServer,
			},
			{
				Name:  "token",
				Usage: "Manage the stored credentials",
				Subcommands: []*cli.Command{
					{
						Name:   "set",
						Usage:  "Store an auth token and role",
						Flags:  cmd.GetTokenSetCLIFlags(&cmdArgs.TokenSet),
						Action: tokenSet,
					},
					{
						Name:   "show",
						Usage:  "Print the stored auth token and role",
						Action: tokenShow,
					},
					{
						Name:   "clear",
						Usage:  "Remove the stored auth token and role",
						Action: tokenClear,
					},
					{
						Name:   "issue",
						Usage:  "Sign a new subscriber token with the feed server secret",
						Flags:  cmd.GetTokenIssueCLIFlags(&cmdArgs.TokenIssue),
						Action: tokenIssue,
					},
				},
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	} else {
		log.SetHandler(apexCLI.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err := json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Watch subcommand

// startWatch watch a feed channel
func startWatch(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Channel == nil {
		return fmt.Errorf("watch can't start without the channel configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	creds, err := cmd.DefineCredentialStore(runTimeContext, *config, cmdArgs.Hostname)
	if err != nil {
		return err
	}
	defer creds.Close()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunWatch(
		runTimeContext, cmdArgs.Watch, *config.Channel, creds.Store, cmdArgs.Hostname, os.Stdout,
	)
}

// ============================================================================
// Feed server subcommand

// startFeedServer run the feed server
func startFeedServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunFeedServer(runTimeContext, cmdArgs.Feed, *config, cmdArgs.Hostname, wg)
}

// ============================================================================
// Token subcommands

// withCredentialStore run an action against the configured credential store
func withCredentialStore(
	action func(ctxt context.Context, config *common.SystemConfig, creds *cmd.CredentialResources) error,
) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()
	creds, err := cmd.DefineCredentialStore(runTimeContext, *config, cmdArgs.Hostname)
	if err != nil {
		return err
	}
	defer creds.Close()
	return action(runTimeContext, config, creds)
}

func tokenSet(c *cli.Context) error {
	return withCredentialStore(
		func(ctxt context.Context, _ *common.SystemConfig, creds *cmd.CredentialResources) error {
			return cmd.RunTokenSet(ctxt, cmdArgs.TokenSet, creds.Store)
		},
	)
}

func tokenShow(c *cli.Context) error {
	return withCredentialStore(
		func(ctxt context.Context, _ *common.SystemConfig, creds *cmd.CredentialResources) error {
			return cmd.RunTokenShow(ctxt, creds.Store, os.Stdout)
		},
	)
}

func tokenClear(c *cli.Context) error {
	return withCredentialStore(
		func(ctxt context.Context, _ *common.SystemConfig, creds *cmd.CredentialResources) error {
			return cmd.RunTokenClear(ctxt, creds.Store)
		},
	)
}

func tokenIssue(c *cli.Context) error {
	return withCredentialStore(
		func(ctxt context.Context, config *common.SystemConfig, creds *cmd.CredentialResources) error {
			return cmd.RunTokenIssue(ctxt, cmdArgs.TokenIssue, config.Feed, creds.Store, os.Stdout)
		},
	)
}
