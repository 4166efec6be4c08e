package oauth

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewTokenResponse(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token *Token
		want  TokenResponse
	}{
		{
			name: "full token",
			token: &Token{
				AccessToken:          "at",
				AccessTokenExpiresAt: now.Add(time.Hour),
				RefreshToken:         "rt",
				Scope:                MustScope("read write"),
			},
			want: TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 3600, RefreshToken: "rt", Scope: "read write"},
		},
		{
			name: "partial seconds round up",
			token: &Token{
				AccessToken:          "at",
				AccessTokenExpiresAt: now.Add(1500 * time.Millisecond),
			},
			want: TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 2},
		},
		{
			name:  "no expiry no scope",
			token: &Token{AccessToken: "at"},
			want:  TokenResponse{AccessToken: "at", TokenType: "Bearer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewTokenResponse(tt.token, now); got != tt.want {
				t.Errorf("NewTokenResponse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTokenResponse_OmitsOptionalFields(t *testing.T) {
	data, err := json.Marshal(TokenResponse{AccessToken: "at", TokenType: "Bearer"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"access_token":"at","token_type":"Bearer"}` {
		t.Errorf("json = %s", data)
	}
}
