package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService authenticates operators against the embedded admin-user
// table and issues/validates the JWT session tokens handed back by a
// successful basic login.
type AuthService struct {
	store      *adminStore
	jwtSecret  []byte
	tokenTTL   time.Duration
	bcryptCost int
}

// AuthConfig configures an AuthService.
type AuthConfig struct {
	Store      StoreConfig   `toml:"store" mapstructure:"store"`
	JWTSecret  string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	BcryptCost int           `toml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
}

// Claims is the JWT claim set issued for an authenticated operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthService opens the admin-user store and prepares a signing key.
func NewAuthService(config AuthConfig) (*AuthService, error) {
	store, err := newAdminStore(config.Store)
	if err != nil {
		return nil, err
	}

	jwtSecret := []byte(config.JWTSecret)
	if len(jwtSecret) == 0 {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("auth: generate jwt secret: %w", err)
		}
	}

	tokenTTL := config.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}

	bcryptCost := config.BcryptCost
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}

	return &AuthService{store: store, jwtSecret: jwtSecret, tokenTTL: tokenTTL, bcryptCost: bcryptCost}, nil
}

// Authenticate validates req: a basic login against the admin-user table,
// or a bearer token against a previously issued signature.
func (s *AuthService) Authenticate(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	switch req.Method {
	case AuthMethodBasic:
		return s.authenticateBasic(ctx, req.Username, req.Password)
	case AuthMethodJWT:
		return s.authenticateJWT(req.Token)
	default:
		return &AuthResult{Success: false}, fmt.Errorf("auth: unsupported method: %s", req.Method)
	}
}

func (s *AuthService) authenticateBasic(ctx context.Context, username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	hash, err := s.store.passwordHash(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &AuthResult{Success: false}, ErrInvalidCredentials
		}
		return &AuthResult{Success: false}, fmt.Errorf("auth: lookup user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	token, err := s.generateJWT(username)
	if err != nil {
		return &AuthResult{Success: false}, fmt.Errorf("auth: generate token: %w", err)
	}

	return &AuthResult{Success: true, Username: username, Token: token}, nil
}

func (s *AuthService) authenticateJWT(tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}

	return &AuthResult{Success: true, Username: claims.Username}, nil
}

func (s *AuthService) generateJWT(username string) (*Token, error) {
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "slaved",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}

	return &Token{Type: "Bearer", Value: tokenString, ExpiresAt: expiresAt}, nil
}

// CreateUser registers a new admin-API operator account.
func (s *AuthService) CreateUser(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("auth: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	return s.store.createUser(ctx, username, string(hash))
}

// UserCount returns the number of provisioned operator accounts.
func (s *AuthService) UserCount(ctx context.Context) (int, error) {
	return s.store.count(ctx)
}

// Close releases the underlying admin-user store.
func (s *AuthService) Close() error {
	return s.store.close()
}
