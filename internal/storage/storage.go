package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"
)

// ErrNotFound 表示内容哈希在存储中不存在。
var ErrNotFound = errors.New("storage: content not found")

// ErrInvalidHash 表示哈希格式非法。
var ErrInvalidHash = errors.New("storage: invalid content hash")

// PinResult 描述一次成功固定的内容。
type PinResult struct {
	ContentHash string
	Size        int64
}

// PinInfo 是存储中已固定内容的清单项。
type PinInfo struct {
	ContentHash string
	Size        int64
	PinnedAt    time.Time
}

// Pinner 写入并固定内容，返回内容哈希。
type Pinner interface {
	Pin(ctx context.Context, r io.Reader, name string, meta map[string]string) (PinResult, error)
}

// Fetcher 按内容哈希流式读取。
type Fetcher interface {
	Fetch(ctx context.Context, hash string) (io.ReadCloser, error)
}

// Unpinner 取消固定，对不存在的哈希应视为成功。
type Unpinner interface {
	Unpin(ctx context.Context, hash string) error
}

// Lister 列出已固定内容，供对账使用。
type Lister interface {
	List(ctx context.Context) ([]PinInfo, error)
}

// BlobStore 组合了内容存储的完整能力。
type BlobStore interface {
	Pinner
	Fetcher
	Unpinner
	Lister
}

var hashPattern = regexp.MustCompile(`^[A-Za-z0-9]{16,128}$`)

// ValidHash 校验哈希只包含字母数字，防止拼接路径或 URL 时越界。
func ValidHash(hash string) bool {
	return hashPattern.MatchString(hash)
}
