package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"schoolerp/backend/internal/config"
	"schoolerp/backend/internal/repository"
	"schoolerp/backend/pkg/models"
)

// DevEmail is the identity used when authentication is bypassed in DEV.
const DevEmail = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type actorKey struct{}

// WithActor returns a context carrying the acting user.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting user set by RequireAuth.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(models.Actor)
	return actor, ok
}

// Auth authenticates requests against an OpenID Connect provider and maps
// the token's email to a local user.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	users        repository.UserStore
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New discovers the provider and prepares the verifiers. In DEV with the
// bypass enabled no provider is contacted.
func New(ctx context.Context, cfg *config.Config, users repository.UserStore, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience, not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		users:        users,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

const (
	stateCookie   = "oauthstate"
	sessionCookie = "id_token"
)

// errNoSession means the request carries neither a bearer token nor a
// session cookie.
var errNoSession = errors.New("no session")

func (a *Auth) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})
}

// LoginHandler starts the authorization code flow. The random state is kept
// in a cookie and checked on the callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		a.logError("failed to generate login state", "error", err)
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}
	a.setCookie(w, stateCookie, state)
	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler completes the login: it checks the state, exchanges the
// code and stores the verified ID token as the session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	query := r.URL.Query()
	if state, err := r.Cookie(stateCookie); err != nil || query.Get("state") != state.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		a.logError("code exchange failed", "error", err)
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	a.setCookie(w, sessionCookie, rawIDToken)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// emailFromRequest verifies the bearer access token, or else the session
// cookie, and returns its email claim.
func (a *Auth) emailFromRequest(r *http.Request) (string, error) {
	if a.authBypass {
		return DevEmail, nil
	}

	var token *oidc.IDToken
	var err error
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token, err = a.apiVerifier.Verify(r.Context(), raw)
	} else {
		cookie, cerr := r.Cookie(sessionCookie)
		if cerr != nil {
			return "", errNoSession
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	}
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse token claims: %w", err)
	}
	if !strings.Contains(claims.Email, "@") {
		return "", errors.New("invalid email format in token")
	}
	return claims.Email, nil
}

// RequireAuth resolves the acting user and stores it in the request context.
// Requests without any credentials are redirected to the login page.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := a.emailFromRequest(r)
		if errors.Is(err, errNoSession) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		user, err := a.resolveUser(r.Context(), email)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, "no account for "+email, http.StatusForbidden)
			return
		case err != nil:
			a.logError("failed to resolve user", "email", email, "error", err)
			http.Error(w, "failed to resolve user", http.StatusInternalServerError)
			return
		case user.Status != "" && user.Status != "active":
			http.Error(w, "account is not active", http.StatusForbidden)
			return
		}

		ctx := WithActor(r.Context(), models.Actor{UserID: user.ID, Username: user.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveUser looks up the account for the email. The DEV bypass identity
// is provisioned on first use.
func (a *Auth) resolveUser(ctx context.Context, email string) (*models.User, error) {
	user, err := a.users.GetUserByEmail(ctx, email)
	if err == nil || !a.authBypass || !errors.Is(err, repository.ErrNotFound) {
		return user, err
	}

	user = &models.User{Username: "dev", Email: email, Role: "director", Status: "active"}
	if err := a.users.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("Provisioned development user", "email", email, "user_id", user.ID)
	}
	return user, nil
}

func (a *Auth) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}

// LogoutHandler expires the session cookie.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
