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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/fedids/realtime/auth"
	"github.com/fedids/realtime/common"
	"github.com/fedids/realtime/storage"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// TokenSetCLIArgs arguments
type TokenSetCLIArgs struct {
	Token string `validate:"required"`
	Role  string `validate:"required"`
}

// GetTokenSetCLIFlags retrieve the set of CMD flags for storing credentials
func GetTokenSetCLIFlags(args *TokenSetCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Auth token to store",
			Aliases:     []string{"t"},
			EnvVars:     []string{"FEDIDS_TOKEN"},
			Destination: &args.Token,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "User role indicator to store",
			Aliases:     []string{"r"},
			EnvVars:     []string{"FEDIDS_ROLE"},
			Value:       "user",
			DefaultText: "user",
			Destination: &args.Role,
			Required:    false,
		},
	}
}

// TokenIssueCLIArgs arguments
type TokenIssueCLIArgs struct {
	Subject string        `validate:"required"`
	Role    string        `validate:"required"`
	TTL     time.Duration `validate:"gt=0"`
	Store   bool
}

// GetTokenIssueCLIFlags retrieve the set of CMD flags for issuing tokens
func GetTokenIssueCLIFlags(args *TokenIssueCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "subject",
			Usage:       "Subject the token is issued to",
			Aliases:     []string{"s"},
			Destination: &args.Subject,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "Role claimed by the token",
			Aliases:     []string{"r"},
			Value:       "user",
			DefaultText: "user",
			Destination: &args.Role,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Validity period of the token",
			Value:       time.Hour * 24,
			DefaultText: "24h",
			Destination: &args.TTL,
			Required:    false,
		},
		&cli.BoolFlag{
			Name:        "store",
			Usage:       "Also store the token in the credential store",
			Value:       false,
			DefaultText: "false",
			Destination: &args.Store,
			Required:    false,
		},
	}
}

// RunTokenSet store a token and role
func RunTokenSet(
	ctxt context.Context, params TokenSetCLIArgs, store storage.CredentialStore,
) error {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return err
	}
	return store.StoreCredentials(ctxt, params.Token, params.Role)
}

// RunTokenShow print the stored token and role
func RunTokenShow(ctxt context.Context, store storage.CredentialStore, out io.Writer) error {
	token, err := store.ReadToken(ctxt)
	if errors.Is(err, storage.ErrNoCredential) {
		_, err = fmt.Fprintln(out, "no credential stored")
		return err
	} else if err != nil {
		return err
	}
	role, err := store.ReadRole(ctxt)
	if errors.Is(err, storage.ErrNoCredential) {
		role = "-"
	} else if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "token: %s\nrole: %s\n", token, role)
	return err
}

// RunTokenClear remove the stored token and role
func RunTokenClear(ctxt context.Context, store storage.CredentialStore) error {
	return store.ClearCredentials(ctxt)
}

// RunTokenIssue sign a new subscriber token with the feed server secret.
//
// When requested, the token is also written into the credential store.
func RunTokenIssue(
	ctxt context.Context,
	params TokenIssueCLIArgs,
	config *common.FeedServerConfig,
	store storage.CredentialStore,
	out io.Writer,
) error {
	logTags := log.Fields{"module": "cmd", "component": "token-issue"}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	if config == nil {
		return fmt.Errorf("feed server configurations are needed to sign tokens")
	}
	tokens, err := auth.GetTokenManager(TokenIssuer, config.SigningSecret)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(params.Subject, params.Role, params.TTL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to sign token")
		return err
	}
	if params.Store {
		if store == nil {
			return fmt.Errorf("no credential store to write the token to")
		}
		if err := store.StoreCredentials(ctxt, token, params.Role); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to store token")
			return err
		}
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
