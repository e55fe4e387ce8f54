package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authserver/instrumentation"
	"github.com/giantswarm/oidc-authserver/internal/util"
	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
)

// Endpoint paths
const (
	AuthorizePath  = "/oauth2/authorize"
	ConsentPath    = "/oauth2/consent"
	TokenPath      = "/oauth2/token"
	RevokePath     = "/oauth2/revoke"
	IntrospectPath = "/oauth2/introspect"
	JWKSPath       = "/oauth2/jwks"
	UserInfoPath   = "/userinfo"
)

const (
	tokenTypeBearer = "Bearer"

	// jwksMaxAge is how long resource servers may cache the key set
	jwksMaxAge = 3600
)

// Handler serves the authorization server's HTTP endpoints on top of a
// server.Server.
type Handler struct {
	server        *server.Server
	config        *HandlerConfig
	authenticator Authenticator
	consent       *consentSealer
	consentPage   *template.Template
	rateLimiter   *security.RateLimiter
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewHandler creates a handler for srv. A nil config uses the defaults and a
// nil logger slog.Default(). Principals log in with HTTP Basic until
// SetAuthenticator installs something else.
func NewHandler(srv *server.Server, config *HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	if config == nil {
		config = &HandlerConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handler config: %w", err)
	}

	sealer, err := newConsentSealer(config.ConsentKey, config.ConsentTTL)
	if err != nil {
		return nil, err
	}
	page, err := parseConsentTemplate(config.ConsentTemplate)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		server:        srv,
		config:        config,
		authenticator: NewBasicAuthenticator(srv, config.Realm),
		consent:       sealer,
		consentPage:   page,
		logger:        logger,
		tracer:        srv.Instrumentation.Tracer("http"),
	}
	if config.RateLimit > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit, config.RateBurst, logger)
	}
	return h, nil
}

// SetAuthenticator replaces the resource owner authenticator
func (h *Handler) SetAuthenticator(a Authenticator) {
	if a != nil {
		h.authenticator = a
	}
}

// Close releases the rate limiter
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a mux serving every endpoint on its standard path.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+AuthorizePath, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle("POST "+ConsentPath, h.instrument("consent", h.ServeConsent))
	mux.Handle("POST "+TokenPath, h.instrument("token", h.ServeToken))
	mux.Handle("POST "+RevokePath, h.instrument("revoke", h.ServeTokenRevocation))
	mux.Handle("POST "+IntrospectPath, h.instrument("introspect", h.ServeTokenIntrospection))
	mux.Handle("GET "+JWKSPath, h.instrument("jwks", h.ServeJWKS))
	mux.Handle("GET "+UserInfoPath, h.instrument("userinfo", h.ServeUserInfo))
	mux.Handle("POST "+UserInfoPath, h.instrument("userinfo", h.ServeUserInfo))
	return mux
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and duration and sets the common
// security headers.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.recordHTTPMetrics(r.Context(), endpoint, r.Method, rec.status, start)
	})
}

// ServeAuthorization handles the authorization endpoint (RFC 6749 section
// 3.1). Requests are validated before the resource owner is asked to log in,
// so an untrusted redirect_uri is rejected without ever redirecting.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	query := r.URL.Query()
	if oauthErr := checkRepeatedParams(query); oauthErr != nil {
		h.writeErrorPage(w, oauthErr)
		return
	}

	validated, err := h.server.ValidateAuthorizationRequest(ctx, authorizationRequestFromQuery(query))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, validated.Client.ClientID))

	principal, ok := h.authenticatePrincipal(w, r, validated)
	if !ok {
		return
	}

	decision, err := h.server.Authorize(ctx, validated, principal)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeDecision(w, r, validated, principal, decision)
	instrumentation.SetSpanSuccess(span)
}

// ServeConsent handles the consent form. The form carries the original
// request sealed to the principal who saw the page; it is validated again
// before the decision is applied.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.consent")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeErrorPage(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	principal, err := h.authenticator.Authenticate(r)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			h.authenticator.Challenge(w, r)
			return
		}
		h.logger.Error("failed to authenticate resource owner", "error", err)
		h.writeErrorPage(w, ErrServerError())
		return
	}

	req, err := h.consent.open(r.PostForm.Get("consent_state"), principal.Name)
	if err != nil {
		h.logger.Debug("rejected consent submission", "error", err)
		h.writeErrorPage(w, ErrInvalidRequest(err.Error()))
		return
	}

	validated, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}

	var decision *server.AuthorizationDecision
	if r.PostForm.Get("action") == "deny" {
		decision, err = h.server.DenyConsent(ctx, validated)
	} else {
		decision, err = h.server.ApproveConsent(ctx, validated, principal, r.PostForm["scope"])
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizationError(w, r, err)
		return
	}
	h.writeDecision(w, r, validated, principal, decision)
	instrumentation.SetSpanSuccess(span)
}

func (h *Handler) authenticatePrincipal(w http.ResponseWriter, r *http.Request, validated *server.ValidatedRequest) (*storage.Principal, bool) {
	principal, err := h.authenticator.Authenticate(r)
	switch {
	case err == nil:
		return principal, true
	case errors.Is(err, ErrUnauthenticated):
		if validated.Request.Prompt == server.PromptNone {
			authErr := &server.AuthorizationError{
				Err:         &server.Error{Kind: server.KindAccessDenied, Description: "login required"},
				RedirectURI: validated.RedirectURI,
				State:       validated.Request.State,
			}
			h.writeAuthorizationError(w, r, authErr)
			return nil, false
		}
		h.authenticator.Challenge(w, r)
		return nil, false
	default:
		h.logger.Error("failed to authenticate resource owner", "client_id", validated.Client.ClientID, "error", err)
		authErr := &server.AuthorizationError{
			Err:         &server.Error{Kind: server.KindServerError},
			RedirectURI: validated.RedirectURI,
			State:       validated.Request.State,
		}
		h.writeAuthorizationError(w, r, authErr)
		return nil, false
	}
}

// writeDecision redirects an issued or denied transaction back to the client,
// or renders the consent page for a pending one.
func (h *Handler) writeDecision(w http.ResponseWriter, r *http.Request, validated *server.ValidatedRequest, principal *storage.Principal, decision *server.AuthorizationDecision) {
	switch decision.Status {
	case server.StatusConsentPending:
		h.writeConsentPage(w, validated, principal, decision.ConsentScopes)
	case server.StatusIssued, server.StatusDenied:
		security.SetNoStore(w)
		http.Redirect(w, r, decision.RedirectURL, http.StatusFound)
	default:
		h.logger.Error("unexpected authorization status", "status", string(decision.Status))
		h.writeErrorPage(w, ErrServerError())
	}
}

func (h *Handler) writeConsentPage(w http.ResponseWriter, validated *server.ValidatedRequest, principal *storage.Principal, scopes []string) {
	state, err := h.consent.seal(validated.Request, principal.Name)
	if err != nil {
		h.logger.Error("failed to seal consent request", "client_id", validated.Client.ClientID, "error", err)
		h.writeErrorPage(w, ErrServerError())
		return
	}

	var buf bytes.Buffer
	data := newConsentPageData(validated.Client, principal.Name, scopes, state, h.config.Branding)
	if err := h.consentPage.Execute(&buf, data); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
		h.writeErrorPage(w, ErrServerError())
		return
	}

	security.SetPageHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// writeAuthorizationError redirects errors the engine marked redirectable
// and renders everything else locally.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *server.AuthorizationError
	if errors.As(err, &authErr) {
		if authErr.Err.Kind == server.KindServerError {
			h.logger.Error("authorization request failed", "error", err)
		}
		if target := authErr.RedirectURL(); target != "" {
			security.SetNoStore(w)
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		h.writeErrorPage(w, localAuthorizationError(authErr.Err))
		return
	}
	h.logger.Error("authorization request failed", "error", err)
	h.writeErrorPage(w, ErrServerError())
}

// localAuthorizationError is the page shown for a non-redirectable failure.
// Unknown clients are reported as invalid_client like at the token endpoint.
func localAuthorizationError(err *server.Error) *OAuthError {
	switch err.Kind {
	case server.KindServerError:
		return ErrServerError()
	case server.KindClientNotFound:
		return NewOAuthError(ErrorCodeInvalidClient, "unknown client", http.StatusBadRequest)
	default:
		return NewOAuthError(err.Kind.Code(), err.Description, http.StatusBadRequest)
	}
}

func (h *Handler) writeErrorPage(w http.ResponseWriter, oauthErr *OAuthError) {
	var buf bytes.Buffer
	if err := errorPage.Execute(&buf, oauthErr); err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
	security.SetPageHeaders(w)
	w.WriteHeader(oauthErr.Status)
	_, _ = w.Write(buf.Bytes())
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	if !h.allowRequest(ctx, w, r, "token") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}
	if oauthErr := checkRepeatedParams(r.PostForm); oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}

	creds, oauthErr := clientCredentialsFromRequest(r)
	if oauthErr != nil {
		h.writeClientError(w, r, oauthErr)
		return
	}
	grant, oauthErr := grantFromForm(r.PostForm)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	instrumentation.AddGrantAttributes(span, grant.GrantType(), "")

	result, err := h.server.Token(ctx, server.TokenRequest{Client: creds, Grant: grant})
	if err != nil {
		instrumentation.RecordError(span, err)
		if server.KindOf(err) == server.KindServerError {
			h.logger.Error("token request failed",
				"client_id", creds.ClientID,
				"grant_type", grant.GrantType(),
				"error", err)
		}
		h.writeClientError(w, r, ToOAuthError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        util.JoinScopes(result.Scopes),
		IDToken:      result.IDToken,
	})
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint. Any
// authenticated request succeeds, whether or not the token was known.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.revoke")
	defer span.End()

	if !h.allowRequest(ctx, w, r, "revoke") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}
	if oauthErr := checkRepeatedParams(r.PostForm); oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	creds, oauthErr := clientCredentialsFromRequest(r)
	if oauthErr != nil {
		h.writeClientError(w, r, oauthErr)
		return
	}

	if err := h.server.RevokeToken(ctx, creds, r.PostForm.Get("token")); err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, r, ToOAuthError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles the RFC 7662 introspection endpoint.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.introspect")
	defer span.End()

	if !h.allowRequest(ctx, w, r, "introspect") {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}
	if oauthErr := checkRepeatedParams(r.PostForm); oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	creds, oauthErr := clientCredentialsFromRequest(r)
	if oauthErr != nil {
		h.writeClientError(w, r, oauthErr)
		return
	}

	result, err := h.server.IntrospectToken(ctx, creds, r.PostForm.Get("token"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeClientError(w, r, ToOAuthError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, result)
}

// ServeJWKS publishes the public signing keys as a JSON Web Key Set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.Keys().PublicKeySet(r.Context())
	if err != nil {
		h.logger.Error("failed to load public key set", "error", err)
		h.writeError(w, ErrServerError())
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", jwksMaxAge))
	h.writeJSON(w, http.StatusOK, set)
}

// ServeUserInfo handles the OIDC UserInfo endpoint for a bearer access
// token that was granted openid.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.userinfo")
	defer span.End()

	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, h.config.Realm))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	info, err := h.server.UserInfo(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		oauthErr := ToOAuthError(err)
		if oauthErr.Code == ErrorCodeInvalidToken || oauthErr.Code == ErrorCodeInsufficientScope {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`,
				h.config.Realm, oauthErr.Code, oauthErr.Description))
		}
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, info)
}

// allowRequest applies the per-IP rate limit and writes the 429 response
// when it is exceeded.
func (h *Handler) allowRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return true
	}
	clientIP := security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if h.rateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrRateLimitExceeded("too many requests, slow down"))
	return false
}

// writeClientError writes an error from a client-authenticated endpoint.
// A 401 answer to Basic credentials carries a Basic challenge (RFC 6749
// section 5.2).
func (h *Handler) writeClientError(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, h.config.Realm))
		}
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetNoStore(w)
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
