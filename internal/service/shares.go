package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"decendata/internal/repository"
)

const maxShareMessageLength = 500

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// InviteInput 描述一次分享邀请。
type InviteInput struct {
	// Recipient 可以是邮箱、钱包地址或用户 ID。
	Recipient  string
	Permission repository.Permission
	// ExpiresIn 支持 1d、7d、30d 或 Go 时长格式，与 ExpiresAt 互斥。
	ExpiresIn string
	ExpiresAt *time.Time
	Message   string
}

// Invite 由所有者向接收者发出 pending 邀请。
func (s *FileService) Invite(ctx context.Context, callerID, fileID string, in InviteInput) (*repository.Share, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(file, callerID); err != nil {
		return nil, err
	}

	perm := in.Permission
	if perm == "" {
		perm = repository.PermissionView
	}
	if !perm.Valid() {
		return nil, Invalidf("invalid permission %q", perm)
	}
	message := strings.TrimSpace(in.Message)
	if len(message) > maxShareMessageLength {
		return nil, Invalidf("message exceeds %d characters", maxShareMessageLength)
	}

	now := s.now()
	expiresAt, err := resolveExpiry(in.ExpiresIn, in.ExpiresAt, now)
	if err != nil {
		return nil, err
	}

	recipient, err := s.resolveRecipient(ctx, in.Recipient)
	if err != nil {
		return nil, err
	}
	if recipient.ID == callerID {
		return nil, Invalid("cannot share a file with yourself")
	}
	if file.ActiveShare(recipient.ID) != nil {
		return nil, Conflict("recipient already has an active invitation for this file")
	}

	share := repository.Share{
		ID:          uuid.NewString(),
		RecipientID: recipient.ID,
		InvitedBy:   callerID,
		Permission:  perm,
		Status:      repository.ShareStatusPending,
		InvitedAt:   now,
		ExpiresAt:   expiresAt,
		Message:     message,
	}
	if err := s.files.AddShare(ctx, fileID, share); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, Conflict("recipient already has an active invitation for this file")
		case errors.Is(err, repository.ErrNotFound):
			return nil, NotFound("file not found")
		}
		return nil, fmt.Errorf("add share: %w", err)
	}

	shareTransitionsTotal.WithLabelValues(string(repository.ShareStatusPending)).Inc()
	s.log(ctx).Info().Str("file_id", fileID).Str("share_id", share.ID).Str("recipient_id", recipient.ID).Msg("share invited")
	s.notify(ctx, fileID)
	return &share, nil
}

// Respond 让接收者接受或拒绝自己最近的一条 pending 邀请。
func (s *FileService) Respond(ctx context.Context, callerID, fileID string, accept bool) (*repository.Share, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status == repository.FileStatusDeleted || file.Status == repository.FileStatusUploading {
		return nil, NotFound("file not found")
	}

	share := file.LatestShare(callerID)
	if share == nil {
		return nil, NotFound("invitation not found")
	}
	if share.Status != repository.ShareStatusPending {
		return nil, Conflict("invitation is already " + string(share.Status))
	}

	now := s.now()
	to := repository.ShareStatusDeclined
	if accept {
		if share.Expired(now) {
			return nil, Conflict("invitation has expired")
		}
		to = repository.ShareStatusAccepted
	}

	if err := s.files.UpdateShareStatus(ctx, fileID, share.ID, repository.ShareStatusPending, to, now); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, Conflict("invitation was already answered")
		case errors.Is(err, repository.ErrNotFound):
			return nil, NotFound("invitation not found")
		}
		return nil, fmt.Errorf("update share status: %w", err)
	}

	out := *share
	out.Status = to
	out.RespondedAt = &now
	shareTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.notify(ctx, fileID)
	return &out, nil
}

// Revoke 删除接收者的 pending 或 accepted 邀请，下一次请求即失去访问权。
func (s *FileService) Revoke(ctx context.Context, callerID, fileID, recipient string) error {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return err
	}
	if err := requireOwner(file, callerID); err != nil {
		return err
	}

	share := file.ActiveShare(recipient)
	if share == nil && (strings.Contains(recipient, "@") || walletPattern.MatchString(recipient)) {
		if u, err := s.resolveRecipient(ctx, recipient); err == nil {
			share = file.ActiveShare(u.ID)
		}
	}
	if share == nil {
		return NotFound("share not found")
	}

	if err := s.files.RemoveShare(ctx, fileID, share.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return NotFound("share not found")
		}
		return fmt.Errorf("remove share: %w", err)
	}
	shareTransitionsTotal.WithLabelValues("revoked").Inc()
	s.notify(ctx, fileID)
	return nil
}

// SharedWithMe 列出 caller 持有已接受且未过期邀请的文件。
func (s *FileService) SharedWithMe(ctx context.Context, callerID string, q ListQuery) (*Page, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	now := s.now()
	params := repository.ListFilesParams{
		Statuses:      []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		Search:        strings.TrimSpace(q.Search),
		Tags:          q.Tags,
		SharedWith:    callerID,
		ShareStatus:   repository.ShareStatusAccepted,
		ShareActiveAt: &now,
	}
	return s.page(ctx, params, q, callerID)
}

// ListInvitations 列出等待 caller 答复的邀请。
func (s *FileService) ListInvitations(ctx context.Context, callerID string, q ListQuery) (*Page, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	params := repository.ListFilesParams{
		Statuses:    []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		SharedWith:  callerID,
		ShareStatus: repository.ShareStatusPending,
	}
	return s.page(ctx, params, q, callerID)
}

// resolveRecipient 依次按邮箱、钱包地址、用户 ID 查找接收者。
func (s *FileService) resolveRecipient(ctx context.Context, identifier string) (*repository.User, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return nil, Invalid("recipient is required")
	}

	var (
		u   *repository.User
		err error
	)
	switch {
	case strings.Contains(id, "@"):
		u, err = s.users.GetByEmail(ctx, strings.ToLower(id))
	case walletPattern.MatchString(id):
		u, err = s.users.GetByWallet(ctx, strings.ToLower(id))
	default:
		u, err = s.users.GetByID(ctx, id)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("recipient not found")
		}
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	return u, nil
}

func resolveExpiry(expiresIn string, expiresAt *time.Time, now time.Time) (*time.Time, error) {
	expiresIn = strings.TrimSpace(expiresIn)
	if expiresIn != "" && expiresAt != nil {
		return nil, Invalid("expires_in and expires_at are mutually exclusive")
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return nil, Invalid("expires_at must be in the future")
		}
		t := expiresAt.UTC()
		return &t, nil
	}
	if expiresIn == "" {
		return nil, nil
	}
	d, err := parseExpiresIn(expiresIn)
	if err != nil {
		return nil, err
	}
	t := now.Add(d)
	return &t, nil
}

// parseExpiresIn 解析 "7d" 这类天数或标准时长。
func parseExpiresIn(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 || n > 365 {
			return 0, Invalidf("invalid expires_in %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, Invalidf("invalid expires_in %q", raw)
	}
	return d, nil
}
