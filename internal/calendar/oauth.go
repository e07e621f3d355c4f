package calendar

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuthConfig names the organiser calendar's OAuth2 client-credentials
// parameters, sourced from internal/config.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// TokenSource builds the oauth2.TokenSource backing every calendar call. The
// organiser calendar is treated as a service-to-service integration
// (client-credentials grant), not a per-user OAuth flow.
func (c OAuthConfig) TokenSource(ctx context.Context) oauth2.TokenSource {
	cc := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scopes:       c.Scopes,
	}
	return cc.TokenSource(ctx)
}
