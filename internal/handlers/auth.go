package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const localUser = "user"

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator turns bearer tokens into user ids. Credentials are issued
// elsewhere; only HS256 tokens with a subject are accepted.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify returns the subject of a valid token.
func (a *Authenticator) Verify(token string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(claims.Subject), nil
}

// Middleware stores the principal in the request locals. A request without
// a token is anonymous; a bad token ends the request with 401.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := tokenFrom(c)
		if token == "" {
			return c.Next()
		}
		userID, err := a.Verify(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals(localUser, userID)
		return c.Next()
	}
}

func tokenFrom(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

func userFrom(c *fiber.Ctx) string {
	userID, _ := c.Locals(localUser).(string)
	return userID
}

func requireUser(c *fiber.Ctx) error {
	if userFrom(c) == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "an authenticated user is required")
	}
	return c.Next()
}
