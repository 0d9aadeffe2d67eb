// Package profile 用户资料与头像
package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
)

const (
	// MaxAvatarSize 头像大小上限
	MaxAvatarSize = 5 << 20

	MinDisplayNameLen = 2
	MaxBioLen         = 150
)

// AllowedAvatarTypes 允许上传的头像类型
var AllowedAvatarTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// Avatar 待上传的头像
type Avatar struct {
	Name        string
	ContentType string
	// Size 小于 0 表示未知，以实际读取的字节数为准
	Size int64
	Body io.Reader
}

// Service 当前身份的资料维护
type Service struct {
	store    backend.Documents
	blobs    backend.Blobs
	identity backend.Identity
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService 创建资料服务
func NewService(store backend.Documents, blobs backend.Blobs, identity backend.Identity, c clock.Clock, m *metrics.Metrics) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		identity: identity,
		clock:    c,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// UpdateProfile 修改显示名与简介
func (s *Service) UpdateProfile(ctx context.Context, displayName, bio string) error {
	if s.identity.UID == "" {
		return appErrors.ErrUnauthenticated
	}
	displayName, bio = strings.TrimSpace(displayName), strings.TrimSpace(bio)
	if utf8.RuneCountInString(displayName) < MinDisplayNameLen {
		return appErrors.ErrInvalidParams.Wrap(fmt.Errorf("display name must be at least %d characters", MinDisplayNameLen))
	}
	if utf8.RuneCountInString(bio) > MaxBioLen {
		return appErrors.ErrInvalidParams.Wrap(fmt.Errorf("bio must be at most %d characters", MaxBioLen))
	}

	err := s.store.Write(ctx, backend.UserPath(s.identity.UID), backend.Fields{
		"displayName": displayName,
		"bio":         bio,
		"updatedAt":   s.clock.Now(),
	}, backend.Merge)
	s.metrics.WriteResult("profile", err)
	if err != nil {
		s.logger.Warn("Failed to update profile", "userId", s.identity.UID, "error", err)
		return appErrors.FromBackend(err)
	}
	s.identity.DisplayName = displayName
	return nil
}

// AvatarPath 头像存储路径 avatars/{uid}/{uid}_{millis}
func AvatarPath(uid string, at time.Time) string {
	return fmt.Sprintf("avatars/%s/%s_%d", uid, uid, at.UnixMilli())
}

// UploadAvatar 上传头像并更新 photoURL，成功后尽力删除旧头像
func (s *Service) UploadAvatar(ctx context.Context, avatar Avatar) (string, error) {
	uid := s.identity.UID
	if uid == "" {
		return "", appErrors.ErrUnauthenticated
	}
	if avatar.Body == nil {
		return "", appErrors.ErrInvalidParams
	}
	if avatar.Size > MaxAvatarSize {
		return "", appErrors.ErrAvatarTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(avatar.Body, MaxAvatarSize+1))
	if err != nil {
		return "", appErrors.ErrInvalidParams.Wrap(err)
	}
	if len(data) > MaxAvatarSize {
		return "", appErrors.ErrAvatarTooLarge
	}
	contentType := avatar.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !slices.Contains(AllowedAvatarTypes, contentType) {
		return "", appErrors.ErrAvatarType
	}

	var previous string
	if doc, err := s.store.GetOnce(ctx, backend.UserPath(uid)); err == nil && doc != nil {
		previous = doc.String("avatarPath")
	}

	now := s.clock.Now()
	path := AvatarPath(uid, now)
	url, err := s.blobs.Upload(ctx, path, bytes.NewReader(data), backend.BlobMetadata{
		ContentType: contentType,
		Custom: map[string]string{
			"uploadedAt":   now.UTC().Format(time.RFC3339),
			"originalName": avatar.Name,
		},
	})
	if err != nil {
		s.logger.Warn("Failed to upload avatar", "userId", uid, "path", path, "error", err)
		if errors.Is(err, backend.ErrPermissionDenied) {
			return "", appErrors.ErrPermissionDenied.Wrap(err)
		}
		return "", appErrors.ErrStorage.Wrap(err)
	}

	err = s.store.Write(ctx, backend.UserPath(uid), backend.Fields{
		"photoURL":   url,
		"avatarPath": path,
		"updatedAt":  now,
	}, backend.Merge)
	s.metrics.WriteResult("profile", err)
	if err != nil {
		s.logger.Warn("Failed to save avatar url", "userId", uid, "error", err)
		s.deleteQuietly(ctx, path)
		return "", appErrors.FromBackend(err)
	}

	if previous != "" && previous != path {
		s.deleteQuietly(ctx, previous)
	}
	s.logger.Info("Avatar updated", "userId", uid, "path", path, "size", len(data))
	return url, nil
}

func (s *Service) deleteQuietly(ctx context.Context, path string) {
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.logger.Debug("Failed to delete avatar", "path", path, "error", err)
	}
}

// Initials 名字各部分首字母，大写，最多两个
func Initials(name string) string {
	var b strings.Builder
	n := 0
	for _, part := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
		if n++; n == 2 {
			break
		}
	}
	return b.String()
}
