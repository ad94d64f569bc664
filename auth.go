package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	bcrypt "golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72
)

type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	jwt.StandardClaims
}

type AuthService struct {
	store   Storage
	secret  []byte
	ttl     time.Duration
	cost    int
	limiter *Limiter
	limit   int
	window  time.Duration
	metrics *Metrics
	now     func() time.Time
}

type AuthConfig struct {
	Secret      string
	SessionTTL  time.Duration
	BcryptCost  int
	LoginLimit  int
	LoginWindow time.Duration
}

// NewAuthService wires registration, login and token checks. limiter may be
// nil, in which case logins are not throttled.
func NewAuthService(store Storage, cfg AuthConfig, limiter *Limiter, metrics *Metrics) *AuthService {
	return &AuthService{
		store:   store,
		secret:  []byte(cfg.Secret),
		ttl:     cfg.SessionTTL,
		cost:    cfg.BcryptCost,
		limiter: limiter,
		limit:   cfg.LoginLimit,
		window:  cfg.LoginWindow,
		metrics: metrics,
		now:     time.Now,
	}
}

func HashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

func CheckPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationError("invalid email address")
	}
	return email, nil
}

// Register creates a customer account. New accounts always get the user role.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxFieldLength {
		return nil, validationError("name is required")
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return nil, validationError("password must be %d to %d bytes long", minPasswordLen, maxPasswordLen)
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Login checks the credentials and returns a signed session token. Unknown
// emails and wrong passwords produce the same error.
func (s *AuthService) Login(ctx context.Context, clientIP, email, password string) (string, *User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.throttle(ctx, clientIP+"|"+email); err != nil {
		s.metrics.login("throttled")
		return "", nil, err
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.metrics.login("failed")
		return "", nil, ErrUnauthorized
	}
	if err != nil {
		return "", nil, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		s.metrics.login("failed")
		return "", nil, ErrUnauthorized
	}

	token, err := s.generateJWT(u)
	if err != nil {
		return "", nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, clientIP+"|"+email); err != nil {
			slog.Warn("failed to reset login rate limit", "err", err)
		}
	}
	s.metrics.login("ok")
	return token, u, nil
}

func (s *AuthService) throttle(ctx context.Context, key string) error {
	if s.limiter == nil || s.limit <= 0 {
		return nil
	}
	res, err := s.limiter.Allow(ctx, key, s.limit, s.window)
	if err != nil {
		slog.Warn("login rate limiter unavailable", "err", err)
		return nil
	}
	if !res.Allowed {
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, res.ResetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *AuthService) generateJWT(u *User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
		Role:   u.Role,
		StandardClaims: jwt.StandardClaims{
			Subject:   u.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ParseJWT validates the signature and expiry and returns the identity the
// token was issued for.
func (s *AuthService) ParseJWT(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Name:   claims.Name,
		Role:   claims.Role,
	}, nil
}

// Reload refreshes an identity from storage so a role change or a removed
// account takes effect before the token expires.
func (s *AuthService) Reload(ctx context.Context, id Identity) (Identity, error) {
	u, err := s.store.GetUser(ctx, id.UserID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrUnauthorized
	}
	if err != nil {
		return Identity{}, err
	}
	return identityOf(u), nil
}

func identityOf(u *User) Identity {
	return Identity{UserID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

type ctxKey int

const identityKey ctxKey = iota

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// currentIdentity returns the zero Identity for anonymous requests.
func currentIdentity(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
