// Package auth 内置的邮箱密码认证与 JWT
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// TokenType Token 类型
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

const issuer = "im-realtime"

// Claims JWT 声明
type Claims struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"name,omitempty"`
	SessionID   string    `json:"sid"`
	TokenType   TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair Token 对
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Tokens JWT 签发与校验
type Tokens struct {
	secretKey     []byte
	accessExpire  time.Duration
	refreshExpire time.Duration
	now           func() time.Time
}

// NewTokens 创建 JWT 服务
func NewTokens(secretKey string, accessExpire, refreshExpire time.Duration) *Tokens {
	return &Tokens{
		secretKey:     []byte(secretKey),
		accessExpire:  accessExpire,
		refreshExpire: refreshExpire,
		now:           time.Now,
	}
}

// GenerateTokenPair 生成 Token 对，sessionID 为空时生成新的会话 ID
func (t *Tokens) GenerateTokenPair(uid, displayName, sessionID string) (*TokenPair, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := t.now()
	accessExpiresAt := now.Add(t.accessExpire)

	access, err := t.generate(uid, displayName, sessionID, AccessToken, now, accessExpiresAt)
	if err != nil {
		return nil, err
	}
	refresh, err := t.generate(uid, displayName, sessionID, RefreshToken, now, now.Add(t.refreshExpire))
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExpiresAt.Unix(),
	}, nil
}

func (t *Tokens) generate(uid, displayName, sessionID string, tokenType TokenType, issuedAt, expiresAt time.Time) (string, error) {
	claims := &Claims{
		UID:         uid,
		DisplayName: displayName,
		SessionID:   sessionID,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secretKey)
}

// ValidateAccessToken 验证 Access Token
func (t *Tokens) ValidateAccessToken(token string) (*Claims, error) {
	return t.validate(token, AccessToken)
}

// ValidateRefreshToken 验证 Refresh Token
func (t *Tokens) ValidateRefreshToken(token string) (*Claims, error) {
	return t.validate(token, RefreshToken)
}

func (t *Tokens) validate(tokenString string, expected TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return t.secretKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != expected || claims.UID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
