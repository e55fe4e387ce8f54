package oauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/giantswarm/oidc-authserver/security"
	"github.com/giantswarm/oidc-authserver/server"
	"github.com/giantswarm/oidc-authserver/storage"
)

var errInvalidConsentState = errors.New("invalid or expired consent request")

// pendingConsent is the authorization request a consent page answers. It
// travels sealed in the form so the server keeps no per-page state.
type pendingConsent struct {
	Request   server.AuthorizationRequest `json:"request"`
	Principal string                      `json:"principal"`
	ExpiresAt int64                       `json:"exp"`
}

// consentSealer seals pending consents under an AES-GCM key, bound to the
// principal that saw the page.
type consentSealer struct {
	enc *security.Encryptor
	ttl time.Duration
	now func() time.Time
}

func newConsentSealer(key []byte, ttl time.Duration) (*consentSealer, error) {
	if len(key) == 0 {
		generated, err := security.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("invalid consent key: %w", err)
	}
	return &consentSealer{enc: enc, ttl: ttl, now: time.Now}, nil
}

func (c *consentSealer) seal(req server.AuthorizationRequest, principal string) (string, error) {
	data, err := json.Marshal(pendingConsent{
		Request:   req,
		Principal: principal,
		ExpiresAt: c.now().Add(c.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	sealed, err := c.enc.Seal(data, []byte(principal))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *consentSealer) open(value, principal string) (*server.AuthorizationRequest, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, errInvalidConsentState
	}
	data, err := c.enc.Open(sealed, []byte(principal))
	if err != nil {
		return nil, errInvalidConsentState
	}
	var pending pendingConsent
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, errInvalidConsentState
	}
	if pending.Principal != principal || c.now().Unix() > pending.ExpiresAt {
		return nil, errInvalidConsentState
	}
	return &pending.Request, nil
}

// scopeDescriptions label the scopes shown on the consent page.
var scopeDescriptions = map[string]string{
	"profile":        "Your name",
	"email":          "Your email address",
	"offline_access": "Access while you are not signed in",
	"message.read":   "Read your messages",
	"message.write":  "Write messages on your behalf",
}

type scopeOption struct {
	Name        string
	Description string
}

type consentPageData struct {
	Title        string
	ClientName   string
	ClientID     string
	Principal    string
	Scopes       []scopeOption
	ConsentState string
	FormAction   string

	LogoURL      string
	LogoAlt      string
	PrimaryColor template.CSS
	Background   template.CSS
	CustomCSS    template.CSS
}

func newConsentPageData(client *storage.Client, principal string, scopes []string, state string, branding *Branding) consentPageData {
	data := consentPageData{
		Title:        "Authorize application",
		ClientName:   client.ClientName,
		ClientID:     client.ClientID,
		Principal:    principal,
		ConsentState: state,
		FormAction:   ConsentPath,
		PrimaryColor: "#3b5bdb",
		Background:   "#f4f5f7",
	}
	if data.ClientName == "" {
		data.ClientName = client.ClientID
	}
	for _, scope := range scopes {
		desc, ok := scopeDescriptions[scope]
		if !ok {
			desc = scope
		}
		data.Scopes = append(data.Scopes, scopeOption{Name: scope, Description: desc})
	}

	if branding != nil {
		// Branding values were validated by HandlerConfig.Validate.
		if branding.Title != "" {
			data.Title = branding.Title
		}
		data.LogoURL = branding.LogoURL
		data.LogoAlt = branding.LogoAlt
		if branding.PrimaryColor != "" {
			data.PrimaryColor = template.CSS(branding.PrimaryColor) //nolint:gosec // validated
		}
		if branding.BackgroundGradient != "" {
			data.Background = template.CSS(branding.BackgroundGradient) //nolint:gosec // validated
		}
		data.CustomCSS = template.CSS(branding.CustomCSS) //nolint:gosec // validated
	}
	return data
}

const defaultConsentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; background: {{.Background}}; margin: 0; padding: 2rem; }
main { max-width: 28rem; margin: 0 auto; background: #fff; border-radius: 8px; padding: 2rem; }
h1 { font-size: 1.3rem; }
ul { list-style: none; padding: 0; }
li { margin: 0.5rem 0; }
button { padding: 0.6rem 1.2rem; border-radius: 4px; border: 1px solid {{.PrimaryColor}}; cursor: pointer; }
button.approve { background: {{.PrimaryColor}}; color: #fff; }
button.deny { background: #fff; color: {{.PrimaryColor}}; }
{{.CustomCSS}}
</style>
</head>
<body>
<main>
{{if .LogoURL}}<img src="{{.LogoURL}}" alt="{{.LogoAlt}}" height="48">{{end}}
<h1>{{.Title}}</h1>
<p><strong>{{.ClientName}}</strong> ({{.ClientID}}) wants to access your account <strong>{{.Principal}}</strong>.</p>
<form method="post" action="{{.FormAction}}">
<input type="hidden" name="consent_state" value="{{.ConsentState}}">
<ul>
{{range .Scopes}}<li><label><input type="checkbox" name="scope" value="{{.Name}}" checked> {{.Description}}</label></li>
{{end}}</ul>
<button class="approve" type="submit" name="action" value="approve">Allow</button>
<button class="deny" type="submit" name="action" value="deny">Deny</button>
</form>
</main>
</body>
</html>
`

const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization error</title>
<style>body { font-family: system-ui, sans-serif; padding: 2rem; }</style>
</head>
<body>
<h1>Authorization error</h1>
<p><code>{{.Code}}</code>: {{.Description}}</p>
</body>
</html>
`

var errorPage = template.Must(template.New("error").Parse(errorPageTemplate))

func parseConsentTemplate(custom string) (*template.Template, error) {
	src := defaultConsentTemplate
	if custom != "" {
		src = custom
	}
	tmpl, err := template.New("consent").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse consent template: %w", err)
	}
	return tmpl, nil
}
