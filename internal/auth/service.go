package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
)

const (
	MinPasswordLen    = 6
	MinDisplayNameLen = 2
	MaxDisplayNameLen = 50
)

// RegisterRequest 注册请求
type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	*TokenPair
}

// Service 认证服务，凭证保存在 credentials/{email}
type Service struct {
	store  backend.Documents
	tokens *Tokens
	clock  clock.Clock
	cost   int
	logger *slog.Logger
}

// NewService 创建认证服务
func NewService(store backend.Documents, tokens *Tokens, c clock.Clock) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{
		store:  store,
		tokens: tokens,
		clock:  c,
		cost:   bcrypt.DefaultCost,
		logger: slog.Default(),
	}
}

// WithCost 设置 bcrypt 代价（测试使用 bcrypt.MinCost）
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// NormalizeEmail 去空格并转小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 注册新用户，创建凭证与用户文档
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	email := NormalizeEmail(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || strings.Contains(email, "/") {
		return nil, appErrors.ErrInvalidParams.Wrap(errors.New("invalid email"))
	}
	if len(req.Password) < MinPasswordLen {
		return nil, appErrors.ErrInvalidParams.Wrap(errors.New("password too short"))
	}
	if n := utf8.RuneCountInString(name); n < MinDisplayNameLen || n > MaxDisplayNameLen {
		return nil, appErrors.ErrInvalidParams.Wrap(errors.New("display name length out of range"))
	}

	existing, err := s.store.GetOnce(ctx, backend.CredentialPath(email))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	if existing != nil {
		return nil, appErrors.ErrEmailExists
	}
	sameName, err := s.store.QueryOnce(ctx, backend.CollectionUsers, backend.Eq("displayName", name))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	if len(sameName) > 0 {
		return nil, appErrors.ErrDisplayNameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, appErrors.ErrServerError.Wrap(err)
	}

	uid := uuid.NewString()
	now := s.clock.Now()
	mutations := []backend.Mutation{
		backend.SetMutation(backend.CredentialPath(email), backend.Fields{
			"uid":          uid,
			"passwordHash": string(hash),
			"createdAt":    now,
		}, backend.WriteOptions{}),
		backend.SetMutation(backend.UserPath(uid), backend.Fields{
			"uid":         uid,
			"email":       email,
			"displayName": name,
			"bio":         "",
			"status":      "offline",
			"lastSeen":    now,
			"createdAt":   now,
			"updatedAt":   now,
		}, backend.WriteOptions{}),
	}
	if bw, ok := s.store.(backend.BatchWriter); ok {
		err = bw.ApplyBatch(ctx, mutations)
	} else {
		for _, m := range mutations {
			if err = s.store.Write(ctx, m.Path, m.Fields, backend.WriteOptions{Merge: m.Merge}); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.logger.Warn("Failed to register user", "email", email, "error", err)
		return nil, appErrors.FromBackend(err)
	}

	s.logger.Info("User registered", "userId", uid)
	return s.issue(uid, name, "")
}

// Login 邮箱密码登录
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	email := NormalizeEmail(req.Email)
	cred, err := s.store.GetOnce(ctx, backend.CredentialPath(email))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	if cred == nil {
		return nil, appErrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.String("passwordHash")), []byte(req.Password)); err != nil {
		return nil, appErrors.ErrInvalidCredentials
	}

	uid := cred.String("uid")
	user, err := s.store.GetOnce(ctx, backend.UserPath(uid))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	if user == nil {
		return nil, appErrors.ErrUserNotFound
	}
	return s.issue(uid, user.String("displayName"), "")
}

// Refresh 用 Refresh Token 换取新的 Token 对，沿用原会话 ID
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	claims, err := s.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, tokenError(err)
	}
	user, err := s.store.GetOnce(ctx, backend.UserPath(claims.UID))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	if user == nil {
		return nil, appErrors.ErrUserNotFound
	}
	return s.issue(claims.UID, user.String("displayName"), claims.SessionID)
}

// Authenticate 校验 Access Token 并返回身份
func (s *Service) Authenticate(accessToken string) (*backend.Identity, *Claims, error) {
	claims, err := s.tokens.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, nil, tokenError(err)
	}
	return &backend.Identity{UID: claims.UID, DisplayName: claims.DisplayName}, claims, nil
}

func (s *Service) issue(uid, name, sessionID string) (*LoginResponse, error) {
	pair, err := s.tokens.GenerateTokenPair(uid, name, sessionID)
	if err != nil {
		return nil, appErrors.ErrServerError.Wrap(err)
	}
	return &LoginResponse{UID: uid, DisplayName: name, TokenPair: pair}, nil
}

func tokenError(err error) error {
	if errors.Is(err, ErrTokenExpired) {
		return appErrors.ErrTokenExpired
	}
	return appErrors.ErrTokenInvalid
}
