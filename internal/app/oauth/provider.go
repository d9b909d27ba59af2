// Package oauth keeps third-party access tokens fresh. It implements the
// refresh-token grant against each provider's token endpoint and rewrites the
// stored, encrypted token material on success.
package oauth

import "strings"

// AuthStyle selects how client credentials are presented on the token
// request.
type AuthStyle int

const (
	// AuthStyleBody sends client_id and client_secret as form fields.
	AuthStyleBody AuthStyle = iota
	// AuthStyleBasic sends client credentials as HTTP basic auth.
	AuthStyleBasic
)

// Provider describes a token endpoint and how to authenticate against it.
type Provider struct {
	Name          string
	TokenEndpoint string
	AuthStyle     AuthStyle
}

// knownProviders lists the services whose refresh flows the pipeline speaks.
// Spotify requires basic auth on the token endpoint; the rest accept client
// credentials in the request body.
var knownProviders = map[string]Provider{
	"google": {
		Name:          "google",
		TokenEndpoint: "https://oauth2.googleapis.com/token",
		AuthStyle:     AuthStyleBody,
	},
	"github": {
		Name:          "github",
		TokenEndpoint: "https://github.com/login/oauth/access_token",
		AuthStyle:     AuthStyleBody,
	},
	"discord": {
		Name:          "discord",
		TokenEndpoint: "https://discord.com/api/oauth2/token",
		AuthStyle:     AuthStyleBody,
	},
	"spotify": {
		Name:          "spotify",
		TokenEndpoint: "https://accounts.spotify.com/api/token",
		AuthStyle:     AuthStyleBasic,
	},
	"slack": {
		Name:          "slack",
		TokenEndpoint: "https://slack.com/api/oauth.v2.access",
		AuthStyle:     AuthStyleBody,
	},
}

// LookupProvider returns the provider descriptor for the given name.
func LookupProvider(name string) (Provider, bool) {
	p, ok := knownProviders[strings.ToLower(name)]
	return p, ok
}
