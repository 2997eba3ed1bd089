package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decendata/internal/repository"
)

func newRecord(id, owner, hash string, created time.Time) *repository.FileRecord {
	return &repository.FileRecord{
		ID:          id,
		OwnerID:     owner,
		ContentHash: hash,
		Size:        10,
		MediaType:   "text/plain",
		DisplayName: id + ".txt",
		Visibility:  repository.VisibilityPrivate,
		Status:      repository.FileStatusActive,
		Version:     1,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestFileRepository_CreateRejectsDuplicateHash(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Create(ctx, newRecord("f1", "u1", "h1", now))
	require.NoError(t, err)

	_, err = repo.Create(ctx, newRecord("f2", "u2", "h1", now))
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestFileRepository_ReturnsCopies(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, newRecord("f1", "u1", "h1", time.Now().UTC()))
	require.NoError(t, err)
	created.DisplayName = "mutated"
	created.Metadata.Tags = append(created.Metadata.Tags, "x")

	got, err := repo.GetByID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1.txt", got.DisplayName)
	assert.Empty(t, got.Metadata.Tags)
}

func TestFileRepository_ListFiltersAndPaginates(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("f%d", i), "u1", fmt.Sprintf("h%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			rec.Status = repository.FileStatusDeleted
		}
		if i == 2 {
			rec.Metadata.Tags = []string{"Report"}
		}
		_, err := repo.Create(ctx, rec)
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, newRecord("other", "u2", "hx", base))
	require.NoError(t, err)

	page, err := repo.List(ctx, repository.ListFilesParams{OwnerID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "f3", page[0].ID, "newest non-deleted first")
	assert.Equal(t, "f2", page[1].ID)

	total, err := repo.Count(ctx, repository.ListFilesParams{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	tagged, err := repo.List(ctx, repository.ListFilesParams{OwnerID: "u1", Tags: []string{"report"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "f2", tagged[0].ID)
}

func TestFileRepository_AddShareEnforcesSingleActiveEntry(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, newRecord("f1", "owner", "h1", now))
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.AddShare(ctx, "f1", repository.Share{
				ID:          fmt.Sprintf("s%d", i),
				RecipientID: "bob",
				InvitedBy:   "owner",
				Permission:  repository.PermissionView,
				Status:      repository.ShareStatusPending,
				InvitedAt:   now,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, repository.ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func TestFileRepository_ShareTransitions(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, newRecord("f1", "owner", "h1", now))
	require.NoError(t, err)

	share := repository.Share{ID: "s1", RecipientID: "bob", Status: repository.ShareStatusPending, Permission: repository.PermissionView, InvitedAt: now}
	require.NoError(t, repo.AddShare(ctx, "f1", share))

	require.NoError(t, repo.UpdateShareStatus(ctx, "f1", "s1", repository.ShareStatusPending, repository.ShareStatusDeclined, now))
	err = repo.UpdateShareStatus(ctx, "f1", "s1", repository.ShareStatusPending, repository.ShareStatusAccepted, now)
	require.ErrorIs(t, err, repository.ErrConflict)

	share.ID = "s2"
	require.NoError(t, repo.AddShare(ctx, "f1", share), "declined entries do not block a new invitation")

	got, err := repo.GetByID(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, got.Shares, 2)
	assert.Equal(t, "s2", got.ActiveShare("bob").ID)

	require.NoError(t, repo.RemoveShare(ctx, "f1", "s2"))
	require.ErrorIs(t, repo.RemoveShare(ctx, "f1", "s2"), repository.ErrNotFound)
}

func TestFileRepository_ReplaceContentKeepsHistory(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, newRecord("f1", "owner", "h1", now))
	require.NoError(t, err)

	updated, err := repo.ReplaceContent(ctx, "f1", repository.ContentUpdate{
		ExpectedVersion: 1,
		ContentHash:     "h2",
		Size:            20,
		Changes:         "second draft",
		UpdatedAt:       now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "h2", updated.ContentHash)
	require.Len(t, updated.Versions, 1)
	assert.Equal(t, "h1", updated.Versions[0].ContentHash)

	_, err = repo.ReplaceContent(ctx, "f1", repository.ContentUpdate{ExpectedVersion: 1, ContentHash: "h3"})
	require.ErrorIs(t, err, repository.ErrConflict)

	referenced, err := repo.HashReferenced(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, referenced)
}

func TestFileRepository_UsageByOwner(t *testing.T) {
	repo := NewFileRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Create(ctx, newRecord("f1", "u1", "h1", now))
	require.NoError(t, err)
	archived := newRecord("f2", "u1", "h2", now)
	archived.Status = repository.FileStatusArchived
	_, err = repo.Create(ctx, archived)
	require.NoError(t, err)
	deleted := newRecord("f3", "u1", "h3", now)
	deleted.Status = repository.FileStatusDeleted
	_, err = repo.Create(ctx, deleted)
	require.NoError(t, err)

	usage, err := repo.UsageByOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.StorageStats{TotalFiles: 2, TotalSize: 20}, usage["u1"])
}

func TestUserRepository_LockAfterFailures(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := repo.Create(ctx, &repository.User{ID: "u1", Email: "a@example.com"})
	require.NoError(t, err)

	policy := repository.LockPolicy{MaxAttempts: 3, LockFor: time.Hour}
	var u *repository.User
	for i := 0; i < 3; i++ {
		u, err = repo.RecordLoginFailure(ctx, "u1", policy, now)
		require.NoError(t, err)
	}
	assert.True(t, u.Locked(now))
	assert.False(t, u.Locked(now.Add(2*time.Hour)))

	u, err = repo.RecordLoginFailure(ctx, "u1", policy, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, u.LoginAttempts, "expired lock restarts the counter")
	assert.Nil(t, u.LockUntil)

	require.NoError(t, repo.RecordLoginSuccess(ctx, "u1", now))
	u, err = repo.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, u.LoginAttempts)
	assert.NotNil(t, u.LastLoginAt)
}

func TestUserRepository_UniqueEmailAndWallet(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()
	wallet := "0xabc"

	_, err := repo.Create(ctx, &repository.User{ID: "u1", Email: "a@example.com", WalletAddress: &wallet})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &repository.User{ID: "u2", Email: "A@example.com"})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	_, err = repo.Create(ctx, &repository.User{ID: "u3", Email: "c@example.com"})
	require.NoError(t, err)
	upper := "0xABC"
	_, err = repo.SetWallet(ctx, "u3", &upper, time.Now())
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestUserRepository_SearchMatchesEmailOrName(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()

	for _, u := range []repository.User{
		{ID: "u1", Email: "zed@example.com", Name: "Ann"},
		{ID: "u2", Email: "ann@example.com", Name: "Ann"},
		{ID: "u3", Email: "bob@example.com", Name: "Joanna"},
		{ID: "u4", Email: "carl@example.com", Name: "Carl"},
	} {
		_, err := repo.Create(ctx, &u)
		require.NoError(t, err)
	}

	got, err := repo.Search(ctx, repository.UserSearch{Query: "ANN", ExcludeID: "u4", Limit: 10})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"u2", "u1", "u3"}, ids)

	got, err = repo.Search(ctx, repository.UserSearch{Query: "ann", ExcludeID: "u2", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].ID)
}
