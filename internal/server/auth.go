package server

import (
	"StakeLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims carries the caller's roles. The subject is the account UUID.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	Account uuid.UUID
	Roles   event.Role
}

// Origin converts the principal into a command origin.
func (p Principal) Origin() event.Origin {
	return event.Origin{Account: p.Account, Roles: p.Roles}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by the auth interceptor.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Parse validates a token and maps its claims to a Principal. Unknown role
// names are ignored rather than rejected.
func (a *Authenticator) Parse(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	account, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	p := Principal{Account: account}
	for _, name := range claims.Roles {
		if r, ok := event.ParseRole(name); ok {
			p.Roles |= r
		}
	}
	return p, nil
}

// Issue signs a token for account. Used by operators and tests.
func (a *Authenticator) Issue(account uuid.UUID, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>"
// header value, or "" when the header has another shape.
func ExtractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate attaches a principal when a token is present. Anonymous calls
// pass through; methods that need a caller reject them with Unauthenticated.
func (a *Authenticator) authenticate(ctx context.Context, header string) (context.Context, error) {
	if header == "" {
		return ctx, nil
	}
	token := ExtractBearer(header)
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, ErrInvalidToken.Error())
	}
	p, err := a.Parse(token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	return WithPrincipal(ctx, p), nil
}

// UnaryInterceptor reads the "authorization" metadata entry.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		ctx, err := a.authenticate(ctx, header)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func requirePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return Principal{}, status.Error(codes.Unauthenticated, ErrMissingToken.Error())
	}
	return p, nil
}

// requireRole admits callers holding r.
func requireRole(ctx context.Context, r event.Role) (Principal, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return p, err
	}
	if !p.Origin().Has(r) {
		return p, status.Errorf(codes.PermissionDenied, "role %s required", r)
	}
	return p, nil
}

// requireAccount admits the account holder and operators with the update role.
func requireAccount(ctx context.Context, account uuid.UUID) error {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return err
	}
	if p.Account != account && !p.Origin().Has(event.RoleUpdate) {
		return status.Error(codes.PermissionDenied, "account does not match token subject")
	}
	return nil
}
