package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/storage"
)

// AuthorizationStatus is the state of an authorization transaction.
type AuthorizationStatus string

const (
	StatusReceived       AuthorizationStatus = "RECEIVED"
	StatusValidated      AuthorizationStatus = "VALIDATED"
	StatusConsentPending AuthorizationStatus = "CONSENT_PENDING"
	StatusIssued         AuthorizationStatus = "ISSUED"
	StatusExchanged      AuthorizationStatus = "EXCHANGED"
	StatusExpired        AuthorizationStatus = "EXPIRED"
	StatusDenied         AuthorizationStatus = "DENIED"
)

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// prompt values (OIDC Core section 3.1.2.1)
const (
	PromptNone    = "none"
	PromptConsent = "consent"
	PromptLogin   = "login"
)

// AuthorizationRequest holds the raw parameters of an authorization request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
}

// ValidatedRequest is an authorization request that passed every check.
// RedirectURI is the trusted target; Request keeps the original parameters
// so a consent form can post them back.
type ValidatedRequest struct {
	Request             AuthorizationRequest
	Client              *storage.Client
	RedirectURI         string
	Scopes              []string
	CodeChallengeMethod string
}

// AuthorizationError is a failed authorization request. When RedirectURI is
// set the error can be sent back to the client; otherwise it must be shown
// locally.
type AuthorizationError struct {
	Err         *Error
	RedirectURI string
	State       string
}

func (e *AuthorizationError) Error() string { return e.Err.Error() }

func (e *AuthorizationError) Unwrap() error { return e.Err }

// Redirectable reports whether the error may be delivered by redirect.
func (e *AuthorizationError) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectURL returns redirectUri?error=..&error_description=..&state=..,
// or "" for local errors.
func (e *AuthorizationError) RedirectURL() string {
	if !e.Redirectable() {
		return ""
	}
	description := e.Err.Description
	if e.Err.Kind == KindServerError {
		description = "internal server error"
	}
	target, err := buildRedirectURL(e.RedirectURI, url.Values{
		"error":             {e.Err.Kind.Code()},
		"error_description": {description},
		"state":             {e.State},
	})
	if err != nil {
		return ""
	}
	return target
}

// AuthorizationDecision is the outcome of Authorize, ApproveConsent or
// DenyConsent. ConsentScopes lists what the principal is asked to approve
// when Status is StatusConsentPending.
type AuthorizationDecision struct {
	Status        AuthorizationStatus
	RedirectURL   string
	ConsentScopes []string
}

// ValidateAuthorizationRequest runs the RECEIVED to VALIDATED checks. Errors
// are always *AuthorizationError. Failures before the redirect URI is
// trusted are never redirectable.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*ValidatedRequest, error) {
	ctx, span := s.tracer.Start(ctx, "server.ValidateAuthorizationRequest")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)

	local := func(err *Error) error {
		s.metrics().RecordAuthorizationRequest(ctx, req.ClientID, "local_error")
		instrumentation.RecordError(span, err)
		return &AuthorizationError{Err: err}
	}

	if req.ClientID == "" {
		return nil, local(newError(KindInvalidRequest, "client_id is required"))
	}
	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		var engineErr *Error
		if !errors.As(err, &engineErr) {
			engineErr = internalError(err)
		}
		if engineErr.Kind == KindServerError {
			s.Logger.Error("failed to load client", "client_id", req.ClientID, "error", engineErr.Cause)
		}
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationRejected,
			ClientID: req.ClientID,
			Details:  map[string]any{"reason": "unknown_client"},
		})
		return nil, local(engineErr)
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		s.Logger.Warn("rejected authorization redirect",
			"client_id", client.ClientID,
			"category", GetRedirectURIErrorCategory(err),
			"redirect_uri", sanitizeURIForLogging(req.RedirectURI))
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ClientID,
			Details:  map[string]any{"category": GetRedirectURIErrorCategory(err)},
		})
		return nil, local(&Error{Kind: KindInvalidRedirectURI, Description: "redirect_uri does not match a registered URI", Cause: err})
	}

	// From here on errors go back to the client.
	redirect := func(err *Error) error {
		s.metrics().RecordAuthorizationRequest(ctx, client.ClientID, "redirect_error")
		instrumentation.RecordError(span, err)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationRejected,
			ClientID: client.ClientID,
			Details:  map[string]any{"error": err.Kind.Code(), "reason": err.Description},
		})
		return &AuthorizationError{Err: err, RedirectURI: redirectURI, State: req.State}
	}

	switch req.ResponseType {
	case ResponseTypeCode:
	case "":
		return nil, redirect(newError(KindInvalidRequest, "response_type is required"))
	default:
		return nil, redirect(newError(KindUnsupportedResponseType, "response_type %q is not supported", req.ResponseType))
	}

	if !client.AllowsGrant(storage.GrantTypeAuthorizationCode) {
		return nil, redirect(newError(KindUnauthorizedClient, "client is not allowed to use the authorization_code grant"))
	}

	scopes := util.ParseScopes(req.Scope)
	if err := validateClientScopes(scopes, client.Scopes); err != nil {
		return nil, redirect(&Error{Kind: KindInvalidScope, Description: err.Error()})
	}

	var method string
	switch {
	case req.CodeChallenge == "" && client.RequireProofKey:
		return nil, redirect(newError(KindInvalidRequest, "code_challenge is required"))
	case req.CodeChallenge == "" && req.CodeChallengeMethod != "":
		return nil, redirect(newError(KindInvalidRequest, "code_challenge_method sent without code_challenge"))
	case req.CodeChallenge != "":
		if method, err = s.validateChallengeMethod(req.CodeChallengeMethod); err != nil {
			return nil, redirect(&Error{Kind: KindInvalidRequest, Description: err.Error()})
		}
		if err := validateCodeChallenge(req.CodeChallenge); err != nil {
			return nil, redirect(&Error{Kind: KindInvalidRequest, Description: err.Error()})
		}
	}

	switch req.Prompt {
	case "", PromptNone, PromptConsent, PromptLogin:
	default:
		return nil, redirect(newError(KindInvalidRequest, "prompt %q is not supported", req.Prompt))
	}

	instrumentation.SetSpanSuccess(span)
	return &ValidatedRequest{
		Request:             *req,
		Client:              client,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		CodeChallengeMethod: method,
	}, nil
}

// Authorize moves a validated request on for an authenticated principal: to
// CONSENT_PENDING when consent is needed, otherwise to ISSUED.
func (s *Server) Authorize(ctx context.Context, req *ValidatedRequest, principal *storage.Principal) (*AuthorizationDecision, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()

	if principal == nil || principal.Name == "" {
		return nil, s.redirectError(req, newError(KindAccessDenied, "resource owner is not authenticated"))
	}
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, principal.Name, req.Request.Scope)

	prompt := s.needsConsent(ctx, req.Client, principal.Name, req.Scopes)
	if req.Request.Prompt == PromptConsent && req.Client.RequireConsent && len(consentScopes(req.Scopes)) > 0 {
		prompt = true
	}

	if prompt {
		if req.Request.Prompt == PromptNone {
			s.metrics().RecordAuthorizationRequest(ctx, req.Client.ClientID, "redirect_error")
			return nil, s.redirectError(req, newError(KindConsentRequired, "consent is required"))
		}
		s.metrics().RecordConsentPrompt(ctx, req.Client.ClientID)
		s.metrics().RecordAuthorizationRequest(ctx, req.Client.ClientID, "consent_pending")
		instrumentation.SetSpanAttributes(span, attrStatus(StatusConsentPending))
		return &AuthorizationDecision{
			Status:        StatusConsentPending,
			ConsentScopes: consentScopes(req.Scopes),
		}, nil
	}

	return s.issueCode(ctx, req, principal, req.Scopes)
}

// ApproveConsent records the approved scopes and issues a code narrowed to
// them. Approving none of the pending scopes is a denial.
func (s *Server) ApproveConsent(ctx context.Context, req *ValidatedRequest, principal *storage.Principal, approvedScopes []string) (*AuthorizationDecision, error) {
	ctx, span := s.tracer.Start(ctx, "server.ApproveConsent")
	defer span.End()

	if principal == nil || principal.Name == "" {
		return nil, s.redirectError(req, newError(KindAccessDenied, "resource owner is not authenticated"))
	}

	pending := consentScopes(req.Scopes)
	approved := util.Intersect(pending, approvedScopes)
	if len(pending) > 0 && len(approved) == 0 {
		return s.deny(ctx, req, principal.Name)
	}

	if err := s.RecordApproval(ctx, req.Client.ClientID, principal.Name, approved); err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.Error("failed to record consent", "client_id", req.Client.ClientID, "error", err)
		return nil, s.redirectError(req, internalError(err))
	}
	s.metrics().RecordConsentDecision(ctx, req.Client.ClientID, true)
	s.Auditor.LogConsent(principal.Name, req.Client.ClientID, util.JoinScopes(approved), true)

	scopes := approved
	if slices.Contains(req.Scopes, ScopeOpenID) {
		scopes = append([]string{ScopeOpenID}, approved...)
	}
	return s.issueCode(ctx, req, principal, scopes)
}

// DenyConsent ends the transaction with access_denied.
func (s *Server) DenyConsent(ctx context.Context, req *ValidatedRequest) (*AuthorizationDecision, error) {
	return s.deny(ctx, req, "")
}

func (s *Server) deny(ctx context.Context, req *ValidatedRequest, principal string) (*AuthorizationDecision, error) {
	s.metrics().RecordConsentDecision(ctx, req.Client.ClientID, false)
	s.metrics().RecordAuthorizationRequest(ctx, req.Client.ClientID, "denied")
	s.Auditor.LogConsent(principal, req.Client.ClientID, req.Request.Scope, false)

	authErr := &AuthorizationError{
		Err:         newError(KindAccessDenied, "the resource owner denied the request"),
		RedirectURI: req.RedirectURI,
		State:       req.Request.State,
	}
	return &AuthorizationDecision{
		Status:      StatusDenied,
		RedirectURL: authErr.RedirectURL(),
	}, nil
}

// issueCode persists a fresh code and builds the success redirect.
func (s *Server) issueCode(ctx context.Context, req *ValidatedRequest, principal *storage.Principal, scopes []string) (*AuthorizationDecision, error) {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:          generateRandomToken(),
		GrantID:       uuid.NewString(),
		ClientID:      req.Client.ClientID,
		PrincipalName: principal.Name,
		// Only a redirect_uri the client sent must be repeated at the token endpoint.
		RedirectURI:         req.Request.RedirectURI,
		Scopes:              slices.Clone(scopes),
		State:               req.Request.State,
		Nonce:               req.Request.Nonce,
		CodeChallenge:       req.Request.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.codeTTL()),
	}

	if err := s.recordStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("failed to save authorization code", "client_id", req.Client.ClientID, "error", err)
		return nil, s.redirectError(req, internalError(fmt.Errorf("failed to save authorization code: %w", err)))
	}

	target, err := buildRedirectURL(req.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": {req.Request.State},
	})
	if err != nil {
		return nil, &AuthorizationError{Err: internalError(err)}
	}

	pkceMethod := code.CodeChallengeMethod
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	s.metrics().RecordCodeIssued(ctx, req.Client.ClientID, pkceMethod)
	s.metrics().RecordAuthorizationRequest(ctx, req.Client.ClientID, "issued")
	s.Auditor.LogCodeIssued(principal.Name, req.Client.ClientID, util.JoinScopes(scopes), code.CodeChallenge != "")
	s.Logger.Debug("issued authorization code",
		"client_id", req.Client.ClientID,
		"grant_id", code.GrantID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))

	return &AuthorizationDecision{Status: StatusIssued, RedirectURL: target}, nil
}

func (s *Server) redirectError(req *ValidatedRequest, err *Error) *AuthorizationError {
	return &AuthorizationError{Err: err, RedirectURI: req.RedirectURI, State: req.Request.State}
}

func attrStatus(status AuthorizationStatus) attribute.KeyValue {
	return attribute.String(instrumentation.AttrAuthzStatus, string(status))
}
