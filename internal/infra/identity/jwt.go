// Package identity resolves join claims using HS256 JWTs signed with a shared secret.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"liveroom/internal/app"
	"liveroom/internal/domain"
)

var errSigningMethod = errors.New("unexpected signing method")

// Claims carries the caller's role; the stable id is the subject.
type Claims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

type Config struct {
	Secret         string
	Issuer         string
	TTL            time.Duration // 0 issues tokens without expiry
	AllowAnonymous bool
}

// Gateway issues and verifies identity tokens.
type Gateway struct {
	secret         []byte
	issuer         string
	ttl            time.Duration
	allowAnonymous bool
	now            func() time.Time
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Secret == "" {
		return nil, errors.New("identity: empty signing secret")
	}
	return &Gateway{
		secret:         []byte(cfg.Secret),
		issuer:         cfg.Issuer,
		ttl:            cfg.TTL,
		allowAnonymous: cfg.AllowAnonymous,
		now:            time.Now,
	}, nil
}

// Issue signs a token for role and stableID.
func (g *Gateway) Issue(role domain.Role, stableID string) (string, error) {
	now := g.now()
	claims := Claims{
		Role: string(role),
		StandardClaims: jwt.StandardClaims{
			Subject:  stableID,
			Issuer:   g.issuer,
			IssuedAt: now.Unix(),
		},
	}
	if g.ttl > 0 {
		claims.ExpiresAt = now.Add(g.ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the identity it names.
func (g *Gateway) Verify(token string) (app.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errSigningMethod
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return app.Identity{}, domain.ErrUnauthenticated
	}
	if !claims.VerifyIssuer(g.issuer, true) || claims.Subject == "" {
		return app.Identity{}, domain.ErrUnauthenticated
	}
	role := domain.Role(claims.Role)
	if role != domain.RoleController && role != domain.RoleParticipant {
		return app.Identity{}, domain.ErrUnauthenticated
	}
	return app.Identity{Role: role, StableID: claims.Subject}, nil
}

// ResolveIdentity verifies the claim's token. An empty token mints a new participant when
// anonymous joins are allowed; the minted token is returned so the participant can reconnect.
func (g *Gateway) ResolveIdentity(_ context.Context, claim app.IdentityClaim) (app.Identity, error) {
	if claim.Token != "" {
		return g.Verify(claim.Token)
	}
	if !g.allowAnonymous {
		return app.Identity{}, domain.ErrUnauthenticated
	}
	id := uuid.NewString()
	token, err := g.Issue(domain.RoleParticipant, id)
	if err != nil {
		return app.Identity{}, err
	}
	return app.Identity{Role: domain.RoleParticipant, StableID: id, Token: token}, nil
}
