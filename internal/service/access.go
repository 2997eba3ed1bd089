package service

import (
	"time"

	"decendata/internal/repository"
)

// Action 是鉴权时请求的操作。
type Action string

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
)

// required 返回执行该操作需要的最低权限。
func (a Action) required() repository.Permission {
	if a == ActionDownload {
		return repository.PermissionDownload
	}
	return repository.PermissionView
}

// Authorize 按固定顺序判定 caller 能否对 file 执行 action，结果不做任何缓存。
// callerID 为空表示匿名。
func Authorize(file *repository.FileRecord, callerID string, action Action, now time.Time) error {
	if file == nil || file.Status == repository.FileStatusDeleted || file.Status == repository.FileStatusUploading {
		return NotFound("file not found")
	}
	if file.Visibility == repository.VisibilityPublic {
		return nil
	}
	if callerID == "" {
		return Unauthenticated("authentication required")
	}
	if file.OwnerID == callerID {
		return nil
	}

	share := file.ActiveShare(callerID)
	switch {
	case share == nil:
		return Forbidden("access denied")
	case share.Status != repository.ShareStatusAccepted:
		return Forbidden("invitation has not been accepted")
	case share.Expired(now):
		return Forbidden("share has expired")
	case share.Permission.Rank() < action.required().Rank():
		return Forbidden("share does not grant " + string(action) + " permission")
	}
	return nil
}

// requireOwner 校验 caller 是文件所有者。
func requireOwner(file *repository.FileRecord, callerID string) error {
	if file == nil || file.Status == repository.FileStatusDeleted || file.Status == repository.FileStatusUploading {
		return NotFound("file not found")
	}
	if callerID == "" {
		return Unauthenticated("authentication required")
	}
	if file.OwnerID != callerID {
		return Forbidden("only the owner may perform this action")
	}
	return nil
}

// VisibleTo 返回 caller 可见的记录副本：非所有者只能看到自己的邀请。
func VisibleTo(file *repository.FileRecord, callerID string) *repository.FileRecord {
	if file.OwnerID == callerID {
		return file
	}
	out := *file
	out.Shares = nil
	if s := file.LatestShare(callerID); s != nil && callerID != "" {
		out.Shares = []repository.Share{*s}
	}
	out.Versions = nil
	out.Annotations = repository.Annotations{Analysis: file.Annotations.Analysis}
	return &out
}
