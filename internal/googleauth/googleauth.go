// Package googleauth builds client options for Google APIs from either an
// OAuth client secret plus a stored token, or a service account key.
package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// ClientOption returns an option for google.golang.org/api services.
//
// With tokenFile set, credentialsFile must be an OAuth client secret and the
// token file holds a previously authorised oauth2.Token. Without it,
// credentialsFile is passed through as a service account key.
func ClientOption(ctx context.Context, credentialsFile, tokenFile string, scopes ...string) (option.ClientOption, error) {
	if credentialsFile == "" {
		return nil, errors.New("google credentials file is not configured")
	}
	if tokenFile == "" {
		return option.WithCredentialsFile(credentialsFile), nil
	}

	secret, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	conf, err := google.ConfigFromJSON(secret, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return option.WithTokenSource(conf.TokenSource(ctx, &tok)), nil
}
