package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/oidc-authserver/server"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
		wantDesc   string
	}{
		{
			name:       "invalid grant",
			err:        &server.Error{Kind: server.KindInvalidGrant, Description: "invalid authorization code"},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "invalid authorization code",
		},
		{
			name:       "invalid request",
			err:        &server.Error{Kind: server.KindInvalidRequest, Description: "code is required"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "code is required",
		},
		{
			name:       "unauthorized client",
			err:        &server.Error{Kind: server.KindUnauthorizedClient, Description: "grant not allowed"},
			wantCode:   ErrorCodeUnauthorizedClient,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "grant not allowed",
		},
		{
			name:       "invalid scope",
			err:        &server.Error{Kind: server.KindInvalidScope, Description: "scope exceeds grant"},
			wantCode:   ErrorCodeInvalidScope,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "scope exceeds grant",
		},
		{
			name:       "unsupported grant type",
			err:        &server.Error{Kind: server.KindUnsupportedGrantType, Description: "nope"},
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "nope",
		},
		{
			name:       "client authentication",
			err:        &server.Error{Kind: server.KindInvalidClientAuthentication, Description: "bad secret"},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "client authentication failed",
		},
		{
			name:       "unknown client looks like failed authentication",
			err:        &server.Error{Kind: server.KindClientNotFound, Description: "unknown client"},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "client authentication failed",
		},
		{
			name:       "invalid token",
			err:        &server.Error{Kind: server.KindInvalidToken},
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
			wantDesc:   "the access token is invalid",
		},
		{
			name:       "insufficient scope",
			err:        &server.Error{Kind: server.KindInsufficientScope, Description: "openid required"},
			wantCode:   ErrorCodeInsufficientScope,
			wantStatus: http.StatusForbidden,
			wantDesc:   "openid required",
		},
		{
			name:       "engine server error hides cause",
			err:        &server.Error{Kind: server.KindServerError, Description: "db down", Cause: errors.New("dial tcp 10.0.0.1:5432")},
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
			wantDesc:   genericServerError,
		},
		{
			name:       "plain error",
			err:        errors.New("boom"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
			wantDesc:   genericServerError,
		},
		{
			name:       "wrapped engine error",
			err:        fmt.Errorf("exchange: %w", &server.Error{Kind: server.KindInvalidGrant, Description: "consumed"}),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
			wantDesc:   "consumed",
		},
		{
			name:       "oauth error passes through",
			err:        ErrRateLimitExceeded("slow down"),
			wantCode:   ErrorCodeRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
			wantDesc:   "slow down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToOAuthError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
			if got.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", got.Description, tt.wantDesc)
			}
		})
	}
}

func TestToOAuthError_Nil(t *testing.T) {
	if got := ToOAuthError(nil); got != nil {
		t.Errorf("ToOAuthError(nil) = %v, want nil", got)
	}
}
