package settlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type authClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

const (
	tokenBlacklistPrefix = "auth:token:blacklist:"
	authCookieName       = "access_token"
)

var errUnauthorized = errors.New("unauthorized")

// Authenticator verifies access tokens issued by the auth service and checks
// the shared revocation list.
type Authenticator struct {
	jwtSecret []byte
	rdb       *redis.Client
}

func NewAuthenticator(jwtSecret []byte, rdb *redis.Client) *Authenticator {
	return &Authenticator{jwtSecret: jwtSecret, rdb: rdb}
}

func (a *Authenticator) Authenticate(r *http.Request) (Caller, error) {
	tokenString, err := tokenFromRequest(r)
	if err != nil {
		return Caller{}, err
	}
	return a.verify(r.Context(), tokenString)
}

func (a *Authenticator) verify(ctx context.Context, tokenString string) (Caller, error) {
	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Caller{}, errUnauthorized
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil && claims.Subject != "" {
		userID, err = uuid.Parse(claims.Subject)
	}
	if err != nil {
		return Caller{}, errUnauthorized
	}

	if claims.ID == "" {
		return Caller{}, errUnauthorized
	}

	if a.rdb != nil {
		exists, err := a.rdb.Exists(ctx, tokenBlacklistPrefix+claims.ID).Result()
		if err != nil {
			return Caller{}, err
		}
		if exists == 1 {
			return Caller{}, errUnauthorized
		}
	}

	return Caller{UserID: userID, Role: claims.Role, Wallet: strings.TrimSpace(claims.Wallet)}, nil
}

func tokenFromRequest(r *http.Request) (string, error) {
	if token, err := extractBearerToken(r.Header.Get("Authorization")); err == nil {
		return token, nil
	}

	if cookie, err := r.Cookie(authCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token, nil
		}
	}

	return "", errUnauthorized
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errUnauthorized
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errUnauthorized
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errUnauthorized
	}

	return token, nil
}
