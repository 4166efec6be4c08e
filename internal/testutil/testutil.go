package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage/memory"
)

// Fixture credentials seeded by NewStore.
const (
	ClientID         = "1"
	ClientSecret     = "secret"
	ServiceClientID  = "service"
	ServiceSecret    = "service-secret"
	PublicClientID   = "public"
	RedirectURI      = "https://client.example.com/cb"
	OtherRedirectURI = "https://client.example.com/other"
	Username         = "kyle"
	Password         = "hunter2"
	UserID           = "user-1"
	ServiceUserID    = "service-user"
	PasswordClientID = "password-client"
	PasswordSecret   = "password-secret"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Fixtures are the records seeded by NewStore.
type Fixtures struct {
	// Client is a confidential client allowed to use the authorization_code
	// and refresh_token grants, with two redirect URIs
	Client *oauth.Client

	// ServiceClient uses client_credentials and acts as ServiceUser
	ServiceClient *oauth.Client

	// PublicClient has no secret and a single redirect URI
	PublicClient *oauth.Client

	// PasswordClient may use the password and refresh_token grants
	PasswordClient *oauth.Client

	User        *oauth.User
	ServiceUser *oauth.User
}

// NewStore returns an in-memory store seeded with Fixtures.
// The store is stopped when the test ends.
func NewStore(t testing.TB) (*memory.Store, Fixtures) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	f := Fixtures{
		Client: &oauth.Client{
			ID:           ClientID,
			GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			RedirectURIs: []string{RedirectURI, OtherRedirectURI},
		},
		ServiceClient: &oauth.Client{
			ID:         ServiceClientID,
			GrantTypes: []string{oauth.GrantTypeClientCredentials},
		},
		PublicClient: &oauth.Client{
			ID:           PublicClientID,
			GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
			RedirectURIs: []string{RedirectURI},
		},
		PasswordClient: &oauth.Client{
			ID:         PasswordClientID,
			GrantTypes: []string{oauth.GrantTypePassword, oauth.GrantTypeRefreshToken},
		},
		User:        &oauth.User{ID: UserID, Username: Username},
		ServiceUser: &oauth.User{ID: ServiceUserID, Username: "service"},
	}

	ctx := context.Background()
	for _, c := range []struct {
		client *oauth.Client
		secret string
		user   *oauth.User
	}{
		{f.Client, ClientSecret, nil},
		{f.ServiceClient, ServiceSecret, f.ServiceUser},
		{f.PublicClient, "", nil},
		{f.PasswordClient, PasswordSecret, nil},
	} {
		if err := store.AddClient(ctx, c.client, c.secret, c.user); err != nil {
			t.Fatalf("AddClient(%s) error = %v", c.client.ID, err)
		}
	}
	if err := store.AddUser(ctx, f.User, Password); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	return store, f
}

// FormRequest builds a POST request with a form body. When clientID is not
// empty the client authenticates with HTTP Basic.
func FormRequest(target string, form url.Values, clientID, clientSecret string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		r.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}
	return r
}

// TokenRequest wraps FormRequest as a core request for the token endpoint.
func TokenRequest(form url.Values, clientID, clientSecret string) *oauth.Request {
	return oauth.NewRequest(FormRequest("/token", form, clientID, clientSecret))
}

// BearerRequest builds a GET request carrying a bearer token.
func BearerRequest(target, accessToken string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if accessToken != "" {
		r.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return r
}

// MustScope parses a scope or fails the test.
func MustScope(t testing.TB, text string) *oauth.Scope {
	t.Helper()
	s, err := oauth.NewScope(text)
	if err != nil {
		t.Fatalf("NewScope(%q) error = %v", text, err)
	}
	return s
}
