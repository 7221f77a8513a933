package testutil

import (
	"strconv"
	"time"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/AfshinJalili/gobank/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DemoOwnerID   int64 = 1001
	TraderOwnerID int64 = 1002
	JWTSecret           = "test-secret"
)

func GenerateJWT(actorID int64, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"customer"},
		Scopes: []string{"accounts"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bank-auth",
			Subject:   strconv.FormatInt(actorID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// InternalKeyring returns a keyring holding one freshly generated key, plus that key.
func InternalKeyring(name string) (*apikey.Keyring, string, error) {
	key, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		return nil, "", err
	}
	keyring, err := apikey.NewKeyring(apikey.Record{Name: name, Prefix: prefix, KeyHash: hash})
	if err != nil {
		return nil, "", err
	}
	return keyring, key, nil
}
