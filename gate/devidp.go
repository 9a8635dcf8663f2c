package gate

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DevIdentityProvider is a self-contained identity provider for development
// and tests: discovery, JWKS, authorize, token, userinfo, and logout, with a
// single fixed user that is logged in without interaction. It signs real id
// tokens so the gate's verifier path is exercised end to end.
type DevIdentityProvider struct {
	issuer   string
	clientID string
	logger   *slog.Logger

	key *rsa.PrivateKey
	kid string

	mu      sync.Mutex
	codes   map[string]devGrant
	access  map[string]devUser
	refresh map[string]devUser
}

type devGrant struct {
	nonce       string
	redirectURI string
	user        devUser
}

type devUser struct {
	Subject string
	Name    string
	Email   string
}

var defaultDevUser = devUser{
	Subject: "dev-user",
	Name:    "Dev User",
	Email:   "dev@example.com",
}

// NewDevIdentityProvider generates a signing key and prepares the provider.
// issuer must be the externally visible base URL the routes are mounted at.
func NewDevIdentityProvider(issuer, clientID string, logger *slog.Logger) (*DevIdentityProvider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate dev signing key: %w", err)
	}
	return &DevIdentityProvider{
		issuer:   strings.TrimSuffix(issuer, "/"),
		clientID: clientID,
		logger:   logger,
		key:      key,
		kid:      randomHex(8),
		codes:    make(map[string]devGrant),
		access:   make(map[string]devUser),
		refresh:  make(map[string]devUser),
	}, nil
}

// Issuer returns the provider's issuer URL.
func (d *DevIdentityProvider) Issuer() string { return d.issuer }

// Routes mounts the provider endpoints.
func (d *DevIdentityProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", d.handleDiscovery)
	r.Get("/jwks.json", d.handleJWKS)
	r.Get("/authorize", d.handleAuthorize)
	r.Post("/token", d.handleToken)
	r.Get("/userinfo", d.handleUserInfo)
	r.Get("/v2/logout", d.handleLogout)
	return r
}

func (d *DevIdentityProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                d.issuer,
		"authorization_endpoint":                d.issuer + "/authorize",
		"token_endpoint":                        d.issuer + "/token",
		"userinfo_endpoint":                     d.issuer + "/userinfo",
		"jwks_uri":                              d.issuer + "/jwks.json",
		"end_session_endpoint":                  d.issuer + "/v2/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (d *DevIdentityProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &d.key.PublicKey,
		KeyID:     d.kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// handleAuthorize skips the login form entirely: the fixed dev user is
// already "logged in", so the code is issued immediately.
func (d *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	if redirectURI == "" || state == "" {
		http.Error(w, "missing redirect_uri or state", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != d.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	code := randomHex(16)
	d.mu.Lock()
	d.codes[code] = devGrant{
		nonce:       q.Get("nonce"),
		redirectURI: redirectURI,
		user:        defaultDevUser,
	}
	d.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", state)
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (d *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var user devUser
	var nonce string
	switch r.FormValue("grant_type") {
	case "authorization_code":
		code := r.FormValue("code")
		d.mu.Lock()
		grant, ok := d.codes[code]
		delete(d.codes, code)
		d.mu.Unlock()
		if !ok {
			oauthTokenError(w, "invalid_grant", "code invalid or already used")
			return
		}
		user = grant.user
		nonce = grant.nonce
	case "refresh_token":
		d.mu.Lock()
		u, ok := d.refresh[r.FormValue("refresh_token")]
		d.mu.Unlock()
		if !ok {
			oauthTokenError(w, "invalid_grant", "unknown refresh token")
			return
		}
		user = u
	default:
		oauthTokenError(w, "unsupported_grant_type", "")
		return
	}

	idToken, err := d.signIDToken(user, nonce)
	if err != nil {
		d.logger.Error("dev idp sign", "error", err)
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}

	accessToken := randomHex(24)
	refreshToken := randomHex(24)
	d.mu.Lock()
	d.access[accessToken] = user
	d.refresh[refreshToken] = user
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (d *DevIdentityProvider) signIDToken(user devUser, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   d.issuer,
		"sub":   user.Subject,
		"aud":   d.clientID,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"name":  user.Name,
		"email": user.Email,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = d.kid
	return token.SignedString(d.key)
}

func (d *DevIdentityProvider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	d.mu.Lock()
	user, ok := d.access[parts[1]]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":   user.Subject,
		"name":  user.Name,
		"email": user.Email,
	})
}

func (d *DevIdentityProvider) handleLogout(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("returnTo")
	if returnTo == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func oauthTokenError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
