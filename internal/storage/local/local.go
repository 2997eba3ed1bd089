package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"decendata/internal/storage"
)

const blobsDir = "blobs"

// Store 将内容按 SHA-256 寻址写入本地文件系统：<base>/blobs/<hash[0:2]>/<hash>。
type Store struct {
	BaseDir string
}

// New 创建本地存储并确保目录存在。
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, blobsDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob dir: %w", err)
	}
	return &Store{BaseDir: baseDir}, nil
}

var _ storage.BlobStore = (*Store)(nil)

func (s *Store) path(hash string) string {
	return filepath.Join(s.BaseDir, blobsDir, hash[:2], hash)
}

// Pin 边写临时文件边计算哈希，完成后原子重命名到内容地址。
func (s *Store) Pin(ctx context.Context, r io.Reader, _ string, _ map[string]string) (storage.PinResult, error) {
	if s == nil {
		return storage.PinResult{}, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return storage.PinResult{}, ctx.Err()
	default:
	}

	file, err := os.CreateTemp(filepath.Join(s.BaseDir, blobsDir, "tmp"), "pin-*")
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := file.Name()
	defer os.Remove(tempPath)
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("write file: %w", err)
	}

	if err := file.Sync(); err != nil {
		return storage.PinResult{}, fmt.Errorf("sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return storage.PinResult{}, fmt.Errorf("close file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	target := s.path(hash)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return storage.PinResult{}, fmt.Errorf("ensure dir: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return storage.PinResult{}, fmt.Errorf("rename temp file: %w", err)
	}

	return storage.PinResult{ContentHash: hash, Size: size}, nil
}

// Fetch 打开内容对应的文件。
func (s *Store) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	if !storage.ValidHash(hash) {
		return nil, storage.ErrInvalidHash
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Unpin 删除内容文件，不存在时视为成功。
func (s *Store) Unpin(ctx context.Context, hash string) error {
	if !storage.ValidHash(hash) {
		return storage.ErrInvalidHash
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// List 遍历内容目录。
func (s *Store) List(ctx context.Context) ([]storage.PinInfo, error) {
	root := filepath.Join(s.BaseDir, blobsDir)
	var pins []storage.PinInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if !storage.ValidHash(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		pins = append(pins, storage.PinInfo{ContentHash: d.Name(), Size: info.Size(), PinnedAt: info.ModTime().UTC()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("walk blobs: %w", err)
	}
	return pins, nil
}
