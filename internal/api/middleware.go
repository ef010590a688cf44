/**
 * @description
 * Authentication middleware for the operator API. Server-to-server callers use
 * the internal API key; operators present a Clerk RS256 JWT whose role claim is
 * one of the configured operator roles.
 */
package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const OperatorContextKey = contextKey("operator")

// Operator identifies the authenticated caller.
type Operator struct {
	Subject  string
	Role     string
	Internal bool
}

// AuthConfig configures OperatorAuthMiddleware.
type AuthConfig struct {
	InternalKey string
	JWKSURL     string
	Roles       []string
}

var (
	errNoCredentials = errors.New("authorization required")
	errRoleDenied    = errors.New("operator role required")
)

// OperatorAuthMiddleware accepts a matching X-Internal-API-Key or a valid
// operator JWT. With neither configured every request is rejected.
func OperatorAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL, 10*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" {
				if cfg.InternalKey == "" || provided != cfg.InternalKey {
					respondError(w, http.StatusUnauthorized, "unauthorized", "invalid internal API key")
					return
				}
				ctx := context.WithValue(r.Context(), OperatorContextKey, Operator{Subject: "internal", Internal: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if cfg.JWKSURL == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", errNoCredentials.Error())
				return
			}

			op, err := verifyOperatorToken(r.Header.Get("Authorization"), keys, cfg.Roles)
			if errors.Is(err, errRoleDenied) {
				respondError(w, http.StatusForbidden, "forbidden", err.Error())
				return
			}
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyOperatorToken(authHeader string, keys *jwksCache, roles []string) (Operator, error) {
	if authHeader == "" {
		return Operator{}, errNoCredentials
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return Operator{}, errors.New("invalid Authorization header format")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return keys.key(kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return Operator{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Operator{}, errors.New("invalid token claims")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return Operator{}, errors.New("subject not found in token")
	}

	role := roleFromClaims(claims)
	for _, allowed := range roles {
		if role != "" && strings.EqualFold(role, allowed) {
			return Operator{Subject: subject, Role: role}, nil
		}
	}
	return Operator{}, errRoleDenied
}

// roleFromClaims reads "role", falling back to Clerk's public metadata.
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok {
		return role
	}
	if meta, ok := claims["public_metadata"].(map[string]interface{}); ok {
		if role, ok := meta["role"].(string); ok {
			return role
		}
	}
	return ""
}

// OperatorFromContext returns the caller set by OperatorAuthMiddleware.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(OperatorContextKey).(Operator)
	return op, ok
}

// jwksCache keeps the RSA keys of a JWKS endpoint and refetches on a miss or
// once the entries are older than ttl.
type jwksCache struct {
	url       string
	ttl       time.Duration
	client    *http.Client
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{url: url, ttl: ttl, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	if err := c.refresh(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
