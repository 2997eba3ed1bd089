package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"decendata/internal/repository"
	"decendata/internal/repository/memory"
	"decendata/internal/storage"
)

// fakeBlobs 是内存中的内容存储，可注入各操作的错误。
type fakeBlobs struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	pinnedAt map[string]time.Time
	pinErr   error
	fetchErr error
	unpinErr error
	unpinned []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}, pinnedAt: map[string]time.Time{}}
}

func (f *fakeBlobs) Pin(ctx context.Context, r io.Reader, name string, meta map[string]string) (storage.PinResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("read payload: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return storage.PinResult{}, f.pinErr
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	f.blobs[hash] = data
	f.pinnedAt[hash] = time.Now().UTC()
	return storage.PinResult{ContentHash: hash, Size: int64(len(data))}, nil
}

func (f *fakeBlobs) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.blobs[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Unpin(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unpinErr != nil {
		return f.unpinErr
	}
	delete(f.blobs, hash)
	delete(f.pinnedAt, hash)
	f.unpinned = append(f.unpinned, hash)
	return nil
}

func (f *fakeBlobs) List(ctx context.Context) ([]storage.PinInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pins := make([]storage.PinInfo, 0, len(f.blobs))
	for h, data := range f.blobs {
		pins = append(pins, storage.PinInfo{ContentHash: h, Size: int64(len(data)), PinnedAt: f.pinnedAt[h]})
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].ContentHash < pins[j].ContentHash })
	return pins, nil
}

func (f *fakeBlobs) has(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[hash]
	return ok
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

type fixture struct {
	files *memory.FileRepository
	users *memory.UserRepository
	blobs *fakeBlobs
	svc   *FileService
	now   time.Time
}

func newFixture(t *testing.T, opts ...FileOption) *fixture {
	t.Helper()
	f := &fixture{
		files: memory.NewFileRepository(),
		users: memory.NewUserRepository(),
		blobs: newFakeBlobs(),
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]FileOption{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewFileService(f.files, f.users, f.blobs, opts...)
	for _, id := range []string{"u1", "u2", "u3"} {
		f.addUser(t, id)
	}
	return f
}

func (f *fixture) addUser(t *testing.T, id string) *repository.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), &repository.User{
		ID:          id,
		Email:       id + "@example.com",
		Name:        id,
		Preferences: repository.DefaultPreferences(),
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) upload(t *testing.T, owner, name string, payload []byte, visibility repository.Visibility) *repository.FileRecord {
	t.Helper()
	rec, err := f.svc.Upload(context.Background(), owner, UploadInput{
		Reader:      bytes.NewReader(payload),
		DisplayName: name,
		Size:        int64(len(payload)),
		Visibility:  visibility,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) stats(t *testing.T, userID string) repository.StorageStats {
	t.Helper()
	u, err := f.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return u.StorageStats
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se), "expected *service.Error, got %T: %v", err, err)
	require.Equal(t, kind, se.Kind, "unexpected kind for %v", err)
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}
