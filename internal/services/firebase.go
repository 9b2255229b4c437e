package services

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// NewAuthClient builds the Firebase client that verifies staff and parent ID tokens.
// An empty credentials path returns a nil client, which leaves the API unauthenticated.
func NewAuthClient(ctx context.Context, credPath string) (*auth.Client, error) {
	if credPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(credPath); err != nil {
		return nil, fmt.Errorf("firebase credentials %s: %w", credPath, err)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credPath))
	if err != nil {
		return nil, fmt.Errorf("firebase app for billing api: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase token verifier: %w", err)
	}
	return client, nil
}
