package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/sirupsen/logrus"
)

// Authenticator validates bearer tokens and records the caller as the audit
// actor. Without a secret it only passes requests through.
type Authenticator struct {
	secret   []byte
	required bool
	log      logrus.FieldLogger
}

func NewAuthenticator(cfg config.JWTConfig, log logrus.FieldLogger) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.SecretKey),
		required: cfg.Required,
		log:      log,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || len(a.secret) == 0 {
			if a.required {
				unauthorized(w, "Authorization header required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		scheme, raw, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" || raw == "" {
			unauthorized(w, "Authorization header must be a bearer token")
			return
		}

		subject, err := a.validateToken(raw)
		if err != nil {
			a.log.WithError(err).Debug("Rejected bearer token")
			unauthorized(w, "Invalid token")
			return
		}

		actor := ActorFrom(r.Context())
		actor.ID = subject
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	services.SendErrorResponse(w, message, http.StatusUnauthorized, nil)
}

func (a *Authenticator) validateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	claims, isMap := token.Claims.(jwt.MapClaims)
	if !isMap {
		return "", errors.New("unexpected claims type")
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if id, ok := claims["user_id"]; ok {
		return fmt.Sprint(id), nil
	}
	return "", errors.New("token has no subject")
}
