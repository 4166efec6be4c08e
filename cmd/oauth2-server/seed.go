package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	oauth "github.com/udibo/oauth2-server"
)

// Seed is the startup data file: clients and users to register.
type Seed struct {
	Users   []SeedUser   `yaml:"users"`
	Clients []SeedClient `yaml:"clients"`
}

// SeedUser is a resource owner for the password grant and the authorize endpoint.
type SeedUser struct {
	ID       string         `yaml:"id"`
	Username string         `yaml:"username"`
	Password string         `yaml:"password"`
	Extra    map[string]any `yaml:"extra"`
}

// SeedClient is a registered client. An empty secret registers a public client.
type SeedClient struct {
	ID                   string         `yaml:"id"`
	Secret               string         `yaml:"secret"`
	GrantTypes           []string       `yaml:"grant_types"`
	RedirectURIs         []string       `yaml:"redirect_uris"`
	AccessTokenLifetime  time.Duration  `yaml:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration  `yaml:"refresh_token_lifetime"`
	Extra                map[string]any `yaml:"extra"`

	// User is the username the client acts as for the client_credentials grant
	User string `yaml:"user"`
}

// registry is implemented by the memory and sqlite stores.
type registry interface {
	AddClient(ctx context.Context, client *oauth.Client, secret string, user *oauth.User) error
	AddUser(ctx context.Context, user *oauth.User, password string) error
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// ParseSeed decodes a YAML seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// Apply registers the seed's users, then its clients.
func (s *Seed) Apply(ctx context.Context, reg registry) error {
	users := make(map[string]*oauth.User, len(s.Users))
	for _, u := range s.Users {
		if u.Username == "" {
			return fmt.Errorf("seed user %q has no username", u.ID)
		}
		id := u.ID
		if id == "" {
			id = u.Username
		}
		user := &oauth.User{ID: id, Username: u.Username, Extra: u.Extra}
		if err := reg.AddUser(ctx, user, u.Password); err != nil {
			return fmt.Errorf("failed to add user %q: %w", u.Username, err)
		}
		users[u.Username] = user
	}

	for _, c := range s.Clients {
		var user *oauth.User
		if c.User != "" {
			var ok bool
			if user, ok = users[c.User]; !ok {
				return fmt.Errorf("client %q refers to unknown user %q", c.ID, c.User)
			}
		}
		client := &oauth.Client{
			ID:                   c.ID,
			GrantTypes:           c.GrantTypes,
			RedirectURIs:         c.RedirectURIs,
			AccessTokenLifetime:  c.AccessTokenLifetime,
			RefreshTokenLifetime: c.RefreshTokenLifetime,
			Extra:                c.Extra,
		}
		if err := reg.AddClient(ctx, client, c.Secret, user); err != nil {
			return fmt.Errorf("failed to add client %q: %w", c.ID, err)
		}
	}
	return nil
}
