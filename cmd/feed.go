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
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/apis"
	"github.com/fedids/realtime/auth"
	"github.com/fedids/realtime/broker"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/core"
	"github.com/fedids/realtime/feeds"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// FeedServerCLIArgs arguments
type FeedServerCLIArgs struct {
	PathPrefix string `validate:"required"`
	DemoSeed   int64
}

// GetFeedServerCLIFlags retrieve the set of CMD flags for the feed server
func GetFeedServerCLIFlags(args *FeedServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "endpoint-prefix",
			Usage:       "Set the end-point path prefix for the feed APIs",
			Aliases:     []string{"ep"},
			EnvVars:     []string{"FEED_SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.PathPrefix,
			Required:    false,
		},
		&cli.Int64Flag{
			Name:        "demo-seed",
			Usage:       "Random seed of the synthetic event generator. Use current time if 0.",
			EnvVars:     []string{"FEED_DEMO_SEED"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.DemoSeed,
			Required:    false,
		},
	}
}

// RunFeedServer run the realtime feed server
func RunFeedServer(
	runTimeContext context.Context,
	params FeedServerCLIArgs,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "feed",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	if config.Feed == nil {
		return fmt.Errorf("feed server can't start without its configurations")
	}
	feedConfig := config.Feed

	hub, err := broker.GetHub(instance, feeds.KnownChannels)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}
	tokens, err := auth.GetTokenManager(TokenIssuer, feedConfig.SigningSecret)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token manager")
		return err
	}

	// Publish locally, or through NATS when relaying between instances
	var publisher broker.Publisher = hub
	var readiness apis.ReadinessProbe
	if feedConfig.Relay.Enabled {
		natsClient, err := core.GetJetStream(core.ConnectParamsFromConfig(config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		}()
		relay, err := broker.GetNATSRelay(
			natsClient, hub, feedConfig.Relay.SubjectPrefix, feeds.KnownChannels,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS relay")
			return err
		}
		defer func() {
			if err := relay.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop NATS relay")
			}
		}()
		publisher = relay
		readiness = func(ctxt context.Context) error {
			if !natsClient.NATs().IsConnected() {
				return fmt.Errorf("NATS connection to %s is down", config.NATS.ServerURI)
			}
			return nil
		}
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestFeedHandler(localCtxt, apis.FeedHandlerParams{
		Hub:                  hub,
		Publisher:            publisher,
		Tokens:               tokens,
		HTTPConfig:           &feedConfig.HTTPSetting,
		SubscriberQueueDepth: feedConfig.SubscriberQueueDepth,
		WriteTimeout:         time.Second * time.Duration(feedConfig.PushWriteTimeout),
		Ready:                readiness,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	if feedConfig.Demo.Enabled {
		seed := params.DemoSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		demo, err := apis.GetFeedDemo(localCtxt, wg, publisher, seed)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define synthetic event generator")
			return err
		}
		if err := demo.Start(time.Second * time.Duration(feedConfig.Demo.Interval)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start synthetic event generator")
			return err
		}
		defer func() {
			if err := demo.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop synthetic event generator")
			}
		}()
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineFeedRouter(httpHandler, params.PathPrefix)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(apis.AccessLogWriter{LogTags: logTags}, next)
	})

	serverCfg := feedConfig.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
