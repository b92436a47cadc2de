// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var _ TokenVerifier = (*JWTVerifier)(nil)

type SessionTokenClaims struct {
	TokenID   string            `json:"tid,omitempty"`
	UserID    string            `json:"uid,omitempty"`
	Username  string            `json:"usn,omitempty"`
	Vars      map[string]string `json:"vrs,omitempty"`
	Issuer    string            `json:"iss,omitempty"`
	ExpiresAt int64             `json:"exp,omitempty"`
	IssuedAt  int64             `json:"iat,omitempty"`
}

func (stc *SessionTokenClaims) Valid() error {
	// Verify expiry.
	if stc.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	if stc.UserID == "" {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token has no user")
		vErr.Errors |= jwt.ValidationErrorClaimsInvalid
		return vErr
	}
	return nil
}

// JWTVerifier accepts HS256 session tokens signed with the configured encryption key.
type JWTVerifier struct {
	hmacSecretByte []byte
	issuer         string
}

func NewJWTVerifier(sessionConfig *SessionConfig) *JWTVerifier {
	return &JWTVerifier{
		hmacSecretByte: []byte(sessionConfig.EncryptionKey),
		issuer:         sessionConfig.Issuer,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	jwtToken, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.hmacSecretByte, nil
	})
	if err != nil {
		return nil, ErrMissingToken.Wrap(err)
	}
	claims, ok := jwtToken.Claims.(*SessionTokenClaims)
	if !ok || !jwtToken.Valid {
		return nil, ErrMissingToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrMissingToken.Wrap(fmt.Errorf("unexpected issuer: %q", claims.Issuer))
	}

	return &TokenClaims{
		UserID:    claims.UserID,
		Username:  claims.Username,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// GenerateSessionToken signs a session token the verifier accepts.
func GenerateSessionToken(signingKey, issuer, tokenID, userID, username string, vars map[string]string, expiry time.Time) (string, int64) {
	exp := expiry.UTC().Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		TokenID:   tokenID,
		UserID:    userID,
		Username:  username,
		Vars:      vars,
		Issuer:    issuer,
		ExpiresAt: exp,
		IssuedAt:  time.Now().UTC().Unix(),
	})
	signedToken, _ := token.SignedString([]byte(signingKey))
	return signedToken, exp
}
