package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		client  *oauth.Client
		wantErr string
	}{
		{name: "nil", client: nil, wantErr: "client ID cannot be empty"},
		{name: "no id", client: &oauth.Client{}, wantErr: "client ID cannot be empty"},
		{name: "no redirects", client: &oauth.Client{ID: "svc"}},
		{name: "https", client: &oauth.Client{ID: "web", RedirectURIs: []string{"https://app.example.com/cb"}}},
		{name: "loopback http", client: &oauth.Client{ID: "cli", RedirectURIs: []string{"http://127.0.0.1:8400/cb", "http://localhost/cb"}}},
		{name: "custom scheme", client: &oauth.Client{ID: "app", RedirectURIs: []string{"com.example.app:/oauth"}}},
		{
			name:    "relative",
			client:  &oauth.Client{ID: "web", RedirectURIs: []string{"/cb"}},
			wantErr: "must be an absolute URI",
		},
		{
			name:    "fragment",
			client:  &oauth.Client{ID: "web", RedirectURIs: []string{"https://app.example.com/cb#frag"}},
			wantErr: "must not include a fragment",
		},
		{
			name:    "remote http",
			client:  &oauth.Client{ID: "web", RedirectURIs: []string{"http://app.example.com/cb"}},
			wantErr: "http is only allowed for loopback hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storage.ValidateClient(tt.client)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
