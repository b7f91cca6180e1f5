package auth

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/ksred/klear-markets/pkg/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrAPIKeyTaken        = errors.New("API key already registered")
)

// RoleInternal grants access to the internal routes (ledger funding).
const RoleInternal = "internal"

// Context keys set by the authentication middleware.
const (
	ContextKeyClaims  = "claims"
	ContextKeyAddress = "address"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// AccountRequest is the body of the internal account registration route.
type AccountRequest struct {
	APIKey    string        `json:"api_key" binding:"required"`
	APISecret string        `json:"api_secret" binding:"required,min=12"`
	Address   types.Address `json:"address" binding:"required"`
	Roles     []string      `json:"roles"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string        `json:"jwt_token"`
	Address    types.Address `json:"address"`
	Expiration time.Time     `json:"expiration"`
}

// Claims binds a token to the ledger address that acts with it.
type Claims struct {
	jwt.RegisteredClaims
	Address types.Address `json:"address"`
	Roles   []string      `json:"roles"`
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

type account struct {
	secret  string
	address types.Address
	roles   []string
}

// Service issues and verifies tokens. It is the identity collaborator: a
// verified token names exactly one acting address.
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu       sync.RWMutex
	accounts map[string]account // keyed by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		accounts:  make(map[string]account),
	}
}

// RegisterAPICredentials lets apiKey/apiSecret sign in as address.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, address types.Address, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = account{secret: apiSecret, address: address, roles: roles}
}

// CreateAccount registers a new API key. Unlike RegisterAPICredentials it
// never replaces an existing key.
func (s *Service) CreateAccount(apiKey, apiSecret string, address types.Address, roles ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[apiKey]; ok {
		return ErrAPIKeyTaken
	}
	s.accounts[apiKey] = account{secret: apiSecret, address: address, roles: roles}
	return nil
}

// GenerateToken generates a JWT token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	acct, ok := s.accounts[creds.APIKey]
	s.mu.RUnlock()
	if !ok || acct.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(acct.address, acct.roles...)
}

// IssueToken signs a token for address directly.
func (s *Service) IssueToken(address types.Address, roles ...string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(address),
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Address: address,
		Roles:   roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      signed,
		Address:    address,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Address == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IdentityOf returns the address a token was issued to.
func (s *Service) IdentityOf(tokenString string) (types.Address, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Address, nil
}

// Caller returns the authenticated address for the request.
func Caller(c *gin.Context) (types.Address, bool) {
	v, ok := c.Get(ContextKeyAddress)
	if !ok {
		return "", false
	}
	addr, ok := v.(types.Address)
	return addr, ok && addr != ""
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// RegisterAccountHandler handles POST /internal/auth/accounts
func (h *GinHandlers) RegisterAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CreateAccount(req.APIKey, req.APISecret, req.Address, req.Roles...); err != nil {
			response.Conflict(c, err.Error())
			return
		}

		log.Info().
			Str("api_key", req.APIKey).
			Str("address", string(req.Address)).
			Strs("roles", req.Roles).
			Msg("account registered")
		response.Success(c, gin.H{"api_key": req.APIKey, "address": req.Address, "roles": req.Roles})
	}
}
