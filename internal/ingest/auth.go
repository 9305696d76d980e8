// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ingest

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator gates the telephony WebSocket upgrade. The mode is chosen
// by configuration, not per request.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// ---------------------------------------------------------------------------
// IP allow-list
// ---------------------------------------------------------------------------

type ipAllowlist struct {
	allowed map[string]struct{}
}

// NewIPAllowlist builds an authenticator from a comma-separated IP list.
func NewIPAllowlist(ips string) Authenticator {
	allowed := make(map[string]struct{})
	for _, ip := range strings.Split(ips, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = struct{}{}
		}
	}
	return &ipAllowlist{allowed: allowed}
}

func (a *ipAllowlist) Authenticate(r *http.Request) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if _, ok := a.allowed[host]; !ok {
		return fmt.Errorf("ip %s not in allow-list", host)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP Basic
// ---------------------------------------------------------------------------

type basicAuth struct {
	user string
	pass string
}

// NewBasicAuth builds an HTTP Basic authenticator.
func NewBasicAuth(user, pass string) Authenticator {
	return &basicAuth{user: user, pass: pass}
}

func (a *basicAuth) Authenticate(r *http.Request) error {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("missing basic credentials")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.pass)) == 1
	if !userOK || !passOK {
		return fmt.Errorf("invalid basic credentials")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signed bearer token
// ---------------------------------------------------------------------------

type bearerAuth struct {
	publicKey *rsa.PublicKey
}

// NewBearerAuth builds a JWT bearer authenticator from a PEM public key.
func NewBearerAuth(publicKeyPEM string) (Authenticator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("invalid jwt public key: %w", err)
	}
	return &bearerAuth{publicKey: key}, nil
}

func (a *bearerAuth) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid bearer token: %w", err)
	}
	return nil
}
