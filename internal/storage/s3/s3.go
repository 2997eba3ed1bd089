package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"decendata/internal/storage"
)

// keyPrefix 下按哈希前两位分目录，与本地存储布局一致。
const keyPrefix = "blobs/"

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Store 以内容哈希为对象键实现 storage.BlobStore，适用于 MinIO 等 S3 兼容服务。
type Store struct {
	client *minio.Client
	bucket string
}

var _ storage.BlobStore = (*Store)(nil)

// New 连接服务并确保 bucket 存在。
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// 并发启动时可能已被其他实例创建
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func objectKey(hash string) string {
	return keyPrefix + hash[:2] + "/" + hash
}

// hashFromKey 从对象键还原内容哈希，非本存储写入的键返回 false。
func hashFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	hash := path.Base(key)
	if !storage.ValidHash(hash) || key != objectKey(hash) {
		return "", false
	}
	return hash, true
}

// userMetadata 只保留可安全放入 HTTP 头的 ASCII 值。
func userMetadata(name string, meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	add := func(k, v string) {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.Map(func(r rune) rune {
			if r < 0x20 || r > 0x7e {
				return '_'
			}
			return r
		}, v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	add("name", name)
	for k, v := range meta {
		add(k, v)
	}
	return out
}

// Pin 先落盘计算哈希，再以哈希为键上传；内容已存在时跳过上传。
func (s *Store) Pin(ctx context.Context, r io.Reader, name string, meta map[string]string) (storage.PinResult, error) {
	if s == nil || s.client == nil {
		return storage.PinResult{}, fmt.Errorf("s3 storage uninitialized")
	}

	spool, err := os.CreateTemp("", "decendata-s3-*")
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), r)
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("spool content: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	key := objectKey(hash)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return storage.PinResult{ContentHash: hash, Size: size}, nil
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return storage.PinResult{}, fmt.Errorf("stat object: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return storage.PinResult{}, fmt.Errorf("rewind spool: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, spool, size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: userMetadata(name, meta),
	})
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("put object: %w", err)
	}

	return storage.PinResult{ContentHash: hash, Size: size}, nil
}

// Fetch 读取内容，对象不存在时返回 storage.ErrNotFound。
func (s *Store) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 storage uninitialized")
	}
	if !storage.ValidHash(hash) {
		return nil, storage.ErrInvalidHash
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	// GetObject 是惰性的，Stat 才会真正请求
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return obj, nil
}

// Unpin 删除对象；S3 删除不存在的键同样返回成功。
func (s *Store) Unpin(ctx context.Context, hash string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 storage uninitialized")
	}
	if !storage.ValidHash(hash) {
		return storage.ErrInvalidHash
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(hash), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// List 列出本存储写入的全部内容，忽略 bucket 中的其他对象。
func (s *Store) List(ctx context.Context) ([]storage.PinInfo, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 storage uninitialized")
	}

	var pins []storage.PinInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: keyPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		hash, ok := hashFromKey(obj.Key)
		if !ok {
			continue
		}
		pins = append(pins, storage.PinInfo{ContentHash: hash, Size: obj.Size, PinnedAt: obj.LastModified})
	}
	return pins, nil
}
