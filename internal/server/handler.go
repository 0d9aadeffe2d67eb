package server

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/conversation"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/profile"
	"sudooom.im.realtime/internal/relationship"
	"sudooom.im.realtime/internal/session"
)

// Handler HTTP 接口处理器，每个请求按当前身份创建服务
type Handler struct {
	deps     session.Deps
	auth     *auth.Service
	registry *session.Registry
	logger   *slog.Logger
}

// NewHandler 创建处理器
func NewHandler(deps session.Deps, authService *auth.Service, registry *session.Registry) *Handler {
	return &Handler{
		deps:     deps.WithDefaults(),
		auth:     authService,
		registry: registry,
		logger:   slog.Default(),
	}
}

func (h *Handler) resolver(c *gin.Context) (*relationship.Resolver, error) {
	r := relationship.NewResolver(h.deps.Store, GetIdentity(c), h.deps.IDs, h.deps.Clock, h.deps.Metrics)
	if err := r.Load(c.Request.Context()); err != nil {
		return nil, appErrors.FromBackend(err)
	}
	return r, nil
}

func (h *Handler) conversations(c *gin.Context) *conversation.Service {
	identity := GetIdentity(c)
	return conversation.NewService(h.deps.Store, identity, h.registry.TypingFor(identity.UID), h.deps.IDs, h.deps.Clock, h.deps.Metrics)
}

func (h *Handler) profile(c *gin.Context) *profile.Service {
	return profile.NewService(h.deps.Store, h.deps.Blobs, GetIdentity(c), h.deps.Clock, h.deps.Metrics)
}

// Register 用户注册
// POST /api/v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	resp, err := h.auth.Register(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, resp)
}

// Login 用户登录
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	resp, err := h.auth.Login(c.Request.Context(), &req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh 刷新 Token
// POST /api/v1/auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	resp, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, resp)
}

// Search 按显示名或邮箱搜索用户，附带与当前用户的关系
// GET /api/v1/users/search?q=
func (h *Handler) Search(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	results, err := r.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": results})
}

type profileRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	Bio         string `json:"bio"`
}

// UpdateProfile 修改资料
// PUT /api/v1/user/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	if err := h.profile(c).UpdateProfile(c.Request.Context(), req.DisplayName, req.Bio); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// UploadAvatar 上传头像，表单字段 avatar
// POST /api/v1/user/avatar
func (h *Handler) UploadAvatar(c *gin.Context) {
	fh, err := c.FormFile("avatar")
	if err != nil {
		InvalidParams(c, err)
		return
	}
	if fh.Size > profile.MaxAvatarSize {
		Error(c, appErrors.ErrAvatarTooLarge)
		return
	}
	file, err := fh.Open()
	if err != nil {
		InvalidParams(c, err)
		return
	}
	defer file.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	url, err := h.profile(c).UploadAvatar(c.Request.Context(), profile.Avatar{
		Name:        fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        file,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"photoURL": url})
}

// Friends 好友 uid 列表
// GET /api/v1/friends
func (h *Handler) Friends(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": r.FriendIDs()})
}

// FriendStatus 批量查询关系
// GET /api/v1/friends/status?ids=a,b
func (h *Handler) FriendStatus(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		InvalidParams(c, errors.New("ids is required"))
		return
	}
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, r.ClassifyMany(ids))
}

type friendRequestRequest struct {
	UID string `json:"uid" binding:"required"`
}

// SendRequest 发送好友请求
// POST /api/v1/friends/request
func (h *Handler) SendRequest(c *gin.Context) {
	var req friendRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	sent, err := r.SendRequest(c.Request.Context(), req.UID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sent)
}

// PendingRequests 收到的待处理请求
// GET /api/v1/friends/requests
func (h *Handler) PendingRequests(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	reqs, err := r.PendingIncoming(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": reqs})
}

// AcceptRequest 接受好友请求
// POST /api/v1/friends/accept/:id
func (h *Handler) AcceptRequest(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	accepted, err := r.AcceptRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, accepted)
}

// RejectRequest 拒绝好友请求
// POST /api/v1/friends/reject/:id
func (h *Handler) RejectRequest(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	if err := r.RejectRequest(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

// RepairRequest 补齐已接受请求缺失的好友关系与会话
// POST /api/v1/friends/repair/:id
func (h *Handler) RepairRequest(c *gin.Context) {
	r, err := h.resolver(c)
	if err != nil {
		Error(c, err)
		return
	}
	if err := r.Repair(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, nil)
}

type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage 发送消息
// POST /api/v1/conversations/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidParams(c, err)
		return
	}
	msg, err := h.conversations(c).SendMessage(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, msg)
}
