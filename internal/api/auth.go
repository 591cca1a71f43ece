package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"roombook/internal/config"
	"roombook/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	bearerPrefix          = "Bearer "
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

type contextKey int

const (
	callerKey contextKey = iota
	requestIDKey
)

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller stored by the auth middleware.
func CallerFromContext(ctx context.Context) (models.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(models.Caller)
	return caller, ok
}

// Claims are the bearer token claims: sub is the caller id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves a request to a caller from either a bearer token or
// a static API key pair.
type Authenticator struct {
	apiKeyHeader string
	extraHeader  string
	clients      map[string]config.APIClientKey
	jwtSecret    []byte
	jwtIssuer    string
}

func NewAuthenticator(cfg config.APIAuthConfig) *Authenticator {
	m := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		m[k.Key] = k
	}

	apiKeyHeader := strings.TrimSpace(cfg.HeaderAPIKey)
	if apiKeyHeader == "" {
		apiKeyHeader = apiKeyHeaderDefault
	}
	extraHeader := strings.TrimSpace(cfg.HeaderExtra)
	if extraHeader == "" {
		extraHeader = apiExtraHeaderDefault
	}

	return &Authenticator{
		apiKeyHeader: apiKeyHeader,
		extraHeader:  extraHeader,
		clients:      m,
		jwtSecret:    []byte(cfg.JWT.Secret),
		jwtIssuer:    cfg.JWT.Issuer,
	}
}

// Authenticate returns errMissingCredentials when the request carries none,
// and an error wrapping errInvalidCredentials when they do not verify.
func (a *Authenticator) Authenticate(r *http.Request) (models.Caller, error) {
	return a.authenticate(r.Header.Get)
}

// authenticate reads credentials through header, which may be backed by HTTP
// headers or gRPC metadata.
func (a *Authenticator) authenticate(header func(key string) string) (models.Caller, error) {
	if auth := strings.TrimSpace(header("Authorization")); auth != "" {
		if !strings.HasPrefix(auth, bearerPrefix) {
			return models.Caller{}, fmt.Errorf("%w: unsupported authorization scheme", errInvalidCredentials)
		}
		return a.parseToken(strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix)))
	}

	apiKey := strings.TrimSpace(header(a.apiKeyHeader))
	extra := strings.TrimSpace(header(a.extraHeader))
	if apiKey == "" && extra == "" {
		return models.Caller{}, errMissingCredentials
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return models.Caller{}, fmt.Errorf("%w: invalid api key", errInvalidCredentials)
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return models.Caller{}, fmt.Errorf("%w: invalid extra header", errInvalidCredentials)
	}

	role, err := models.ParseRole(client.Role)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", errInvalidCredentials, err)
	}
	return models.Caller{ID: client.CallerID, Role: role}, nil
}

func (a *Authenticator) parseToken(raw string) (models.Caller, error) {
	if len(a.jwtSecret) == 0 {
		return models.Caller{}, fmt.Errorf("%w: bearer tokens are not enabled", errInvalidCredentials)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwtIssuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", errInvalidCredentials, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return models.Caller{}, fmt.Errorf("%w: subject must be a positive user id", errInvalidCredentials)
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", errInvalidCredentials, err)
	}
	return models.Caller{ID: id, Role: role}, nil
}
