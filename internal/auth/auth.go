package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exchange/internal/bank"
	"github.com/ksred/klear-exchange/internal/events"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrTokenGeneration = errors.New("failed to generate token")

const tokenTTL = 24 * time.Hour

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	UserID     int64     `json:"user_id"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id"`
	BankID string `json:"bank_id"`
}

// Service registers users against their bank account and issues their tokens.
// It also resolves users to bank ids for settlement.
type Service struct {
	db        *Database
	gateway   bank.Gateway
	jwtSecret []byte
	publisher events.Publisher
}

type Option func(*Service)

// WithPublisher announces signups on publisher
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func NewService(gormDB *gorm.DB, gateway bank.Gateway, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		db:        NewDatabase(gormDB),
		gateway:   gateway,
		jwtSecret: []byte(jwtSecret),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup creates a user for an existing bank customer. The bank id must be
// known to the ledger and not registered yet.
func (s *Service) Signup(ctx context.Context, name, bankID string) (*types.User, error) {
	name, bankID = strings.TrimSpace(name), strings.TrimSpace(bankID)
	if name == "" || bankID == "" {
		return nil, fmt.Errorf("%w: name and bank_id are required", types.ErrInvalidUser)
	}

	if _, err := s.gateway.CheckBalance(ctx, bank.Account{BankID: bankID, Asset: bank.Cash}); err != nil {
		if errors.Is(err, bank.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", types.ErrBankGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("bank user %q: %w", bankID, types.ErrUserNotFound)
	}

	user := &types.User{BankID: bankID, Name: name, CreatedAt: time.Now().UTC()}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	logger := log.With().Str("service", "auth").Int64("user_id", user.ID).Logger()
	logger.Info().Str("bank_id", bankID).Msg("user signed up")

	if s.publisher != nil {
		ev := events.New(events.TypeSignup, user.ID, map[string]interface{}{"user_id": user.ID, "name": user.Name})
		if err := s.publisher.Publish(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("failed to publish signup")
		}
	}
	return user, nil
}

// IssueToken generates a JWT for a registered bank id, valid for 24 hours
func (s *Service) IssueToken(ctx context.Context, bankID string) (*TokenResponse, error) {
	user, err := s.db.GetUserByBankID(ctx, bankID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: user.ID,
		BankID: user.BankID,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		UserID:     user.ID,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Service) User(ctx context.Context, userID int64) (*types.User, error) {
	return s.db.GetUser(ctx, userID)
}

// BankID returns the bank customer behind a user
func (s *Service) BankID(ctx context.Context, userID int64) (string, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.BankID, nil
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

func (h *GinHandlers) SignupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name   string `json:"name" binding:"required"`
			BankID string `json:"bank_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "all parameters are required")
			return
		}

		user, err := h.service.Signup(c.Request.Context(), req.Name, req.BankID)
		response.Handle(c, user, err)
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			BankID string `json:"bank_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.IssueToken(c.Request.Context(), req.BankID)
		if errors.Is(err, types.ErrUserNotFound) {
			response.Unauthorized(c, "unknown bank id")
			return
		}
		response.Handle(c, token, err)
	}
}
