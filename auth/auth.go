// Package auth resolves externally-verified tokens into the principal a
// transaction runs as, and answers per-table authorization questions.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

// Identity is the authenticated principal attached to a transaction for the
// duration of that transaction only. Never persisted, never cached across
// transactions.
type Identity struct {
	Subject string
	Issuer  string
	Roles   []string
	Admin   bool
	// System marks internal components (scheduler, janitor, drainer) that
	// bypass table ACLs and may touch reserved tables.
	System bool
}

// SystemIdentity is what internal background transactions run as.
var SystemIdentity = Identity{Subject: "_system", System: true}

func (who Identity) hasRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range who.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// CanRead reports whether the identity may read documents of the table.
func CanRead(who Identity, t *tables.Table) bool {
	if who.System || who.Admin {
		return true
	}
	if tables.IsSystem(t.Name) && !t.Shared {
		return false
	}
	return len(t.ACL.Read) == 0 || who.hasRole(t.ACL.Read)
}

// CanWrite reports whether the identity may mutate documents of the table.
func CanWrite(who Identity, t *tables.Table) bool {
	if who.System || who.Admin {
		return true
	}
	if tables.IsSystem(t.Name) && !t.Shared {
		return false
	}
	return len(t.ACL.Write) == 0 || who.hasRole(t.ACL.Write)
}

// Verifier is the external identity service contract.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// InstanceVerifier verifies HMAC-signed tokens minted against the instance
// secret. Claims: sub, iss (must be the instance name), roles, adm.
type InstanceVerifier struct {
	instance string
	secret   []byte
}

func NewInstanceVerifier(instance string, secret []byte) *InstanceVerifier {
	return &InstanceVerifier{instance: instance, secret: secret}
}

type instanceClaims struct {
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

func (v *InstanceVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims := &instanceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(v.instance))
	if err != nil {
		return Identity{}, errors.Wrap(tabula_errors.ErrAuth, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.Wrap(tabula_errors.ErrAuth, "invalid token")
	}
	return Identity{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Roles:   claims.Roles,
		Admin:   claims.Admin,
	}, nil
}

// Issue mints a token the verifier will accept. Used by the dev shell and
// the tests; a production deployment gets tokens from the real identity
// service.
func (v *InstanceVerifier) Issue(subject string, roles []string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &instanceClaims{
		Roles: roles,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.instance,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

// Resolver turns a token into the Identity a transaction runs as. Resolution
// happens once per transaction so revoked tokens stop working at the next
// transaction boundary.
type Resolver struct {
	verifier Verifier
}

func NewResolver(verifier Verifier) *Resolver {
	return &Resolver{verifier: verifier}
}

func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	who, err := r.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, tabula_errors.ErrAuth) {
			return Identity{}, err
		}
		return Identity{}, errors.Wrap(tabula_errors.ErrAuth, err.Error())
	}
	return who, nil
}
