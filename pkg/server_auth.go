package relay

import (
	"errors"
	"net/http"

	"github.com/dgrijalva/jwt-go"

	"github.com/cryptagon/huddle/pkg/types"
)

type authToken struct {
	// RID, when set, pins the connection to a single room.
	RID types.RoomID `json:"rid,omitempty"`
	*jwt.StandardClaims
}

func (t *authToken) Valid() error {
	if t.StandardClaims != nil {
		return t.StandardClaims.Valid()
	}
	return nil
}

func (a AuthConfig) keyFunc(t *jwt.Token) (interface{}, error) {
	switch a.KeyType {
	// TODO: support RSA/EC public keys once token issuance moves off shared secrets
	default:
		return []byte(a.Key), nil
	}
}

func authGetAndValidateToken(config AuthConfig, r *http.Request) (*authToken, error) {
	vars := r.URL.Query()
	tokenParam := vars["access_token"]
	if tokenParam == nil || len(tokenParam) < 1 {
		return nil, errors.New("no token")
	}

	tokenStr := tokenParam[0]

	token, err := jwt.ParseWithClaims(tokenStr, &authToken{}, config.keyFunc)
	if err != nil {
		return nil, err
	}
	return token.Claims.(*authToken), nil
}
