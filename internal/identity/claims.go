package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Claims represents the claims the backend puts in its session token
type Claims struct {
	UserId string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// Decode extracts the identity from token locally, without verifying its signature
func Decode(token string, now time.Time) (*entity.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, errcode.ErrTokenMissing
	}

	var claims Claims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, errcode.ErrTokenInvalid.Wrap(err)
	}

	userId := claims.UserId
	if userId == "" {
		userId = claims.Subject
	}
	if userId == "" {
		return nil, errcode.ErrTokenInvalid.WithMsg("token carries no user id")
	}

	id := &entity.Identity{
		UserId: userId,
		Name:   claims.Name,
		Email:  claims.Email,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.Expired(now) {
		return nil, errcode.ErrTokenExpired
	}
	return id, nil
}
