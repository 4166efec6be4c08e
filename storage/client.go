package storage

import (
	"errors"
	"fmt"
	"net/url"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/internal/util"
)

// ValidateClient checks a client before it is registered. Redirect URIs must
// be absolute and carry no fragment. Plain http is only accepted for loopback
// hosts; custom schemes are allowed for native apps.
func ValidateClient(client *oauth.Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client ID cannot be empty")
	}
	for _, raw := range client.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return fmt.Errorf("client %q: invalid redirect URI %q: %w", client.ID, raw, err)
		}
	}
	return nil
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return errors.New("must be an absolute URI")
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return errors.New("must not include a fragment")
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return errors.New("missing host")
		}
	case "http":
		if !util.IsLoopbackHostname(u.Hostname()) {
			return errors.New("http is only allowed for loopback hosts")
		}
	}
	return nil
}
