package rpc

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingToken   = errors.New("rpc: missing bearer token")
	errInvalidToken   = errors.New("rpc: invalid bearer token")
	errInvalidSubject = errors.New("rpc: token subject is not a valid address")
)

// authenticate resolves the caller address for a request. When an auth secret
// is configured the address comes from the HS256-signed bearer token's subject
// claim. Without a secret authentication is disabled and handlers fall back to
// the caller address supplied in the request params.
func (s *Server) authenticate(r *http.Request) ([20]byte, error) {
	var zero [20]byte
	if len(s.authSecret) == 0 {
		return zero, nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return zero, errMissingToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if raw == "" {
		return zero, errMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return s.authSecret, nil
	})
	if err != nil || !token.Valid {
		return zero, errInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return zero, errInvalidSubject
	}
	return [20]byte(common.HexToAddress(claims.Subject)), nil
}

// resolveCaller yields the effective caller address: the authenticated
// identity when present, otherwise the address named in the params.
func (s *Server) resolveCaller(ctx callerContext, fromParams string) ([20]byte, error) {
	var zero [20]byte
	if ctx.addr != zero {
		return ctx.addr, nil
	}
	if fromParams == "" {
		return zero, paramErr("caller address required")
	}
	return parseAddress(fromParams)
}
