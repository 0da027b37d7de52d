package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/torquebay/api/internal/platform/config"
)

// NewFirebaseApp initialises the Admin SDK app shared by token verification and push
// notifications.
func NewFirebaseApp(ctx context.Context, cfg config.FirebaseConfig) (*firebase.App, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	return app, nil
}

// FirebaseVerifier verifies ID tokens with a bounded deadline per call.
type FirebaseVerifier struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// NewFirebaseVerifier builds a verifier over app's auth client.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App, timeout time.Duration) (*FirebaseVerifier, error) {
	if app == nil {
		return nil, errors.New("firebase app is required")
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &FirebaseVerifier{client: client, timeout: timeout}, nil
}

// VerifyIDToken checks signature, expiry and audience of idToken.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}
