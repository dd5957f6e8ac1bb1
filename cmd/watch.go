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

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/feeds"
	"github.com/fedids/realtime/storage"
	"github.com/fedids/realtime/subscription"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// WatchCLIArgs arguments
type WatchCLIArgs struct {
	// Channel the feed channel to watch
	Channel string `validate:"omitempty,oneof=attacks fl_status"`
	// Path overrides the channel path
	Path string
	// Limit number of newest messages rendered per update
	Limit int `validate:"gte=1"`
}

// GetWatchCLIFlags retrieve the set of CMD flags for the channel watcher
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "channel",
			Usage:       "Feed channel to watch: [attacks fl_status]",
			Aliases:     []string{"ch"},
			EnvVars:     []string{"WATCH_CHANNEL"},
			Value:       feeds.AttacksChannel,
			DefaultText: feeds.AttacksChannel,
			Destination: &args.Channel,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "path",
			Usage:       "Explicit channel path. Overrides the channel.",
			Aliases:     []string{"p"},
			EnvVars:     []string{"WATCH_PATH"},
			Value:       "",
			DefaultText: "",
			Destination: &args.Path,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Number of newest messages shown per update",
			Aliases:     []string{"n"},
			EnvVars:     []string{"WATCH_LIMIT"},
			Value:       10,
			DefaultText: "10",
			Destination: &args.Limit,
			Required:    false,
		},
	}
}

// watchPath channel path matching the configured transport
func watchPath(args WatchCLIArgs, transportType string) string {
	if len(args.Path) > 0 {
		return args.Path
	}
	if transportType == "ndjson" {
		return feeds.StreamPath(args.Channel)
	}
	return feeds.WebSocketPath(args.Channel)
}

// RunWatch subscribe to a feed channel, and render every update to out.
//
// Returns once the context is cancelled or the subscription reaches a terminal state.
func RunWatch(
	runTimeContext context.Context,
	params WatchCLIArgs,
	config common.ChannelConfig,
	credentials storage.CredentialStore,
	instance string,
	out io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	if len(params.Channel) == 0 && len(params.Path) == 0 {
		return fmt.Errorf("either a channel or a path is needed")
	}

	dialer, err := DefineDialer(config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport dialer")
		return err
	}
	channel, err := subscription.NewChannel(subscription.ChannelParams{
		Name:         instance,
		BaseURL:      config.BaseURL,
		Dialer:       dialer,
		Credentials:  credentials,
		UpdateBuffer: config.UpdateBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel")
		return err
	}
	defer func() {
		if err := channel.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close channel")
		}
	}()

	path := watchPath(params, config.Transport)
	logTags["path"] = path
	sub, err := channel.Subscribe(runTimeContext, path)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe")
		return err
	}

	// The initial state may already be terminal
	snapshot := sub.Snapshot()
	renderSnapshot(out, snapshot, params.Limit)
	updates := sub.Updates()
	for !snapshot.State.Terminal() {
		select {
		case <-runTimeContext.Done():
			log.WithFields(logTags).Info("Stopped watching")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			snapshot = update
			renderSnapshot(out, snapshot, params.Limit)
		}
	}

	switch snapshot.State {
	case subscription.StateUnauthorized:
		return fmt.Errorf("no auth token stored, run 'token set' first")
	case subscription.StateError:
		return fmt.Errorf("subscription to %s failed", path)
	default:
		log.WithFields(logTags).Info("Server closed the channel")
		return nil
	}
}

// renderSnapshot write the state and newest messages of a snapshot
func renderSnapshot(out io.Writer, snapshot subscription.Snapshot, limit int) {
	latest := feeds.Latest(snapshot.Messages, limit)
	lines := []string{
		fmt.Sprintf("[%s] %s (%d messages)", snapshot.State, snapshot.Path, len(snapshot.Messages)),
	}
	switch {
	case strings.HasSuffix(snapshot.Path, "/"+feeds.AttacksChannel):
		for _, attack := range feeds.DecodeAttacks(latest) {
			lines = append(lines, fmt.Sprintf(
				"  #%d %s %s from %s (%s) confidence %.2f",
				attack.ID, attack.Timestamp, attack.AttackType, attack.SourceIP,
				attack.Location(), attack.Confidence,
			))
		}
	case strings.HasSuffix(snapshot.Path, "/"+feeds.FLStatusChannel):
		for _, point := range feeds.RoundSeries(feeds.DecodeFLStatus(latest)) {
			line := fmt.Sprintf("  %s accuracy %.4f", point.Label, point.Accuracy)
			if point.Loss != nil {
				line = fmt.Sprintf("%s loss %.4f", line, *point.Loss)
			}
			lines = append(lines, line)
		}
	default:
		for _, evt := range latest {
			lines = append(lines, "  "+string(evt.Raw))
		}
	}
	_, _ = fmt.Fprintln(out, strings.Join(lines, "\n"))
}
