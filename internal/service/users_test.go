package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"decendata/internal/repository"
	"decendata/internal/repository/memory"
)

type stubIssuer struct{ issued []string }

func (s *stubIssuer) Issue(userID string) (string, time.Time, error) {
	s.issued = append(s.issued, userID)
	return "token-" + userID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type userFixture struct {
	users  *memory.UserRepository
	files  *memory.FileRepository
	issuer *stubIssuer
	svc    *UserService
	now    time.Time
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	f := &userFixture{
		users:  memory.NewUserRepository(),
		files:  memory.NewFileRepository(),
		issuer: &stubIssuer{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewUserService(f.users, f.files, f.issuer,
		WithBcryptCost(bcrypt.MinCost),
		WithUserClock(func() time.Time { return f.now }),
	)
	return f
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, RegisterInput{Email: " Alice@Example.com ", Name: "Alice", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEqual(t, "secret1", u.PasswordHash)
	assert.Equal(t, repository.DefaultPreferences(), u.Preferences)

	_, err = f.svc.Register(ctx, RegisterInput{Email: "ALICE@example.com", Name: "Other", Password: "secret2"})
	requireKind(t, err, KindConflict)

	res, err := f.svc.Login(ctx, "alice@EXAMPLE.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "token-"+u.ID, res.Token)
	assert.Equal(t, u.ID, res.User.ID)
	require.NotNil(t, res.User.LastLoginAt)

	stored, err := f.users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
	assert.Equal(t, f.now, *stored.LastLoginAt)
}

func TestUserService_RegisterValidation(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	cases := []RegisterInput{
		{Email: "not-an-email", Name: "A", Password: "secret1"},
		{Email: "a@example.com", Name: "  ", Password: "secret1"},
		{Email: "a@example.com", Name: "A", Password: "12345"},
	}
	for _, in := range cases {
		_, err := f.svc.Register(ctx, in)
		requireKind(t, err, KindValidationFailure)
	}
}

func TestUserService_LoginFailuresLockAccount(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, RegisterInput{Email: "bob@example.com", Name: "Bob", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "nobody@example.com", "whatever")
	requireKind(t, err, KindUnauthenticated)

	for i := 0; i < defaultLockAttempts; i++ {
		_, err = f.svc.Login(ctx, "bob@example.com", "wrong")
		requireKind(t, err, KindUnauthenticated)
	}

	_, err = f.svc.Login(ctx, "bob@example.com", "correct-horse")
	requireKind(t, err, KindForbidden)

	f.now = f.now.Add(defaultLockDuration + time.Minute)
	_, err = f.svc.Login(ctx, "bob@example.com", "correct-horse")
	require.NoError(t, err)

	u, err := f.users.GetByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Zero(t, u.LoginAttempts)
	assert.Nil(t, u.LockUntil)
}

func TestUserService_SuccessResetsFailureCounter(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, RegisterInput{Email: "c@example.com", Name: "C", Password: "pw-123456"})
	require.NoError(t, err)

	for i := 0; i < defaultLockAttempts-1; i++ {
		_, err = f.svc.Login(ctx, "c@example.com", "bad")
		requireKind(t, err, KindUnauthenticated)
	}
	_, err = f.svc.Login(ctx, "c@example.com", "pw-123456")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "c@example.com", "bad")
	requireKind(t, err, KindUnauthenticated)
	_, err = f.svc.Login(ctx, "c@example.com", "pw-123456")
	require.NoError(t, err, "one failure after a reset must not lock")
}

func TestUserService_UpdateProfileAndWallet(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()
	a, err := f.svc.Register(ctx, RegisterInput{Email: "a@example.com", Name: "A", Password: "secret1"})
	require.NoError(t, err)
	b, err := f.svc.Register(ctx, RegisterInput{Email: "b@example.com", Name: "B", Password: "secret1"})
	require.NoError(t, err)

	name := "Alice"
	off := false
	dark := repository.ThemeDark
	u, err := f.svc.UpdateProfile(ctx, a.ID, ProfileInput{
		Name:        &name,
		Preferences: &PreferencesInput{AIAnalysisEnabled: &off, Theme: &dark},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)
	assert.False(t, u.Preferences.AIAnalysisEnabled)
	assert.True(t, u.Preferences.ShareNotifications, "untouched preferences keep their value")
	assert.Equal(t, repository.ThemeDark, u.Preferences.Theme)

	bad := repository.Theme("neon")
	_, err = f.svc.UpdateProfile(ctx, a.ID, ProfileInput{Preferences: &PreferencesInput{Theme: &bad}})
	requireKind(t, err, KindValidationFailure)

	wallet := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	u, err = f.svc.SetWallet(ctx, a.ID, wallet)
	require.NoError(t, err)
	require.NotNil(t, u.WalletAddress)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", *u.WalletAddress)

	_, err = f.svc.SetWallet(ctx, b.ID, wallet)
	requireKind(t, err, KindConflict)

	_, err = f.svc.SetWallet(ctx, b.ID, "0x123")
	requireKind(t, err, KindValidationFailure)

	u, err = f.svc.SetWallet(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Nil(t, u.WalletAddress)

	_, err = f.svc.SetWallet(ctx, b.ID, wallet)
	require.NoError(t, err, "cleared wallet can be claimed")
}

func TestUserService_Dashboard(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	mk := func(id, owner, media string, size int64, vis repository.Visibility, shares ...repository.Share) {
		_, err := f.files.Create(ctx, &repository.FileRecord{
			ID: id, OwnerID: owner, ContentHash: "hash-" + id, Size: size, MediaType: media,
			DisplayName: id, Visibility: vis, Status: repository.FileStatusActive, Version: 1,
			Shares: shares, Stats: repository.FileStats{DownloadCount: 2, ViewCount: 3},
			CreatedAt: f.now, UpdatedAt: f.now,
		})
		require.NoError(t, err)
	}
	accepted := repository.Share{ID: "s1", RecipientID: "me", Status: repository.ShareStatusAccepted, Permission: repository.PermissionView}
	pending := repository.Share{ID: "s2", RecipientID: "me", Status: repository.ShareStatusPending, Permission: repository.PermissionView}
	toOther := repository.Share{ID: "s3", RecipientID: "other", Status: repository.ShareStatusPending, Permission: repository.PermissionView}

	mk("f1", "me", "image/png", 100, repository.VisibilityPublic, toOther)
	mk("f2", "me", "image/jpeg", 300, repository.VisibilityPrivate)
	mk("f3", "me", "application/pdf", 200, repository.VisibilityPrivate)
	mk("f4", "other", "text/plain", 10, repository.VisibilityPrivate, accepted)
	mk("f5", "other", "text/plain", 10, repository.VisibilityPrivate, pending)

	d, err := f.svc.Dashboard(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, 3, d.TotalFiles)
	assert.EqualValues(t, 600, d.TotalSize)
	assert.EqualValues(t, 200, d.AverageSize)
	assert.EqualValues(t, 6, d.TotalDownloads)
	assert.EqualValues(t, 9, d.TotalViews)
	assert.Equal(t, 1, d.PublicFiles)
	assert.Equal(t, 1, d.SharedByMe)
	assert.Equal(t, 1, d.SharedWithMe)
	assert.Equal(t, 1, d.PendingInvites)
	assert.Equal(t, map[string]int{"image": 2, "application": 1}, d.ByMediaType)
	assert.Len(t, d.RecentFiles, 3)

	_, err = f.svc.Dashboard(ctx, "")
	requireKind(t, err, KindUnauthenticated)
}

func TestUserService_SearchUsersExcludesCaller(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	for _, u := range []repository.User{
		{ID: "me", Email: "alice@example.com", Name: "Alice"},
		{ID: "u2", Email: "bob@example.com", Name: "Bob"},
		{ID: "u3", Email: "alicia@corp.io", Name: "Alicia"},
		{ID: "u4", Email: "carol@corp.io", Name: "Carol"},
	} {
		u.CreatedAt = f.now
		_, err := f.users.Create(ctx, &u)
		require.NoError(t, err)
	}

	got, err := f.svc.SearchUsers(ctx, "me", " ALI ", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, UserSummary{ID: "u3", Email: "alicia@corp.io", Name: "Alicia", JoinedAt: f.now}, got[0])

	got, err = f.svc.SearchUsers(ctx, "me", "example", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].ID)

	got, err = f.svc.SearchUsers(ctx, "me", "corp", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alicia", got[0].Name)

	got, err = f.svc.SearchUsers(ctx, "me", "100%", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.SearchUsers(ctx, "me", " a ", 0)
	requireKind(t, err, KindValidationFailure)
	_, err = f.svc.SearchUsers(ctx, "", "alice", 0)
	requireKind(t, err, KindUnauthenticated)
}

func TestUserService_SharingStats(t *testing.T) {
	f := newUserFixture(t)
	ctx := context.Background()

	for _, u := range []repository.User{
		{ID: "me", Email: "me@example.com", Name: "Me"},
		{ID: "bob", Email: "bob@example.com", Name: "Bob"},
		{ID: "carol", Email: "carol@example.com", Name: "Carol"},
	} {
		u.CreatedAt = f.now
		_, err := f.users.Create(ctx, &u)
		require.NoError(t, err)
	}

	share := func(id, to string, status repository.ShareStatus, at time.Time) repository.Share {
		return repository.Share{ID: id, RecipientID: to, Status: status, Permission: repository.PermissionView, InvitedAt: at}
	}
	mk := func(id, owner string, shares ...repository.Share) {
		_, err := f.files.Create(ctx, &repository.FileRecord{
			ID: id, OwnerID: owner, ContentHash: "hash-" + id, Size: 1, MediaType: "text/plain",
			DisplayName: id, Visibility: repository.VisibilityPrivate, Status: repository.FileStatusActive,
			Version: 1, Shares: shares, CreatedAt: f.now, UpdatedAt: f.now,
		})
		require.NoError(t, err)
	}
	day := 24 * time.Hour
	mk("f1", "me", share("s1", "bob", repository.ShareStatusAccepted, f.now.Add(-3*day)),
		share("s2", "carol", repository.ShareStatusAccepted, f.now.Add(-day)))
	mk("f2", "me", share("s3", "bob", repository.ShareStatusAccepted, f.now.Add(-2*day)))
	mk("f3", "me", share("s4", "ghost", repository.ShareStatusAccepted, f.now),
		share("s5", "dave", repository.ShareStatusPending, f.now))
	mk("f4", "me", share("s6", "carol", repository.ShareStatusDeclined, f.now))
	mk("f5", "bob", share("s7", "me", repository.ShareStatusAccepted, f.now))
	mk("f6", "carol", share("s8", "me", repository.ShareStatusPending, f.now))

	stats, err := f.svc.SharingStats(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.SharedByMe)
	assert.Equal(t, 4, stats.UniqueRecipients)
	assert.Equal(t, 1, stats.SharedWithMe)
	assert.Equal(t, 1, stats.PendingInvites)
	assert.Equal(t, f.now, stats.GeneratedAt)

	// ghost 已不存在，不出现在排行中
	require.Len(t, stats.TopPartners, 2)
	assert.Equal(t, "bob", stats.TopPartners[0].User.ID)
	assert.Equal(t, "Bob", stats.TopPartners[0].User.Name)
	assert.Equal(t, 2, stats.TopPartners[0].FilesShared)
	assert.Equal(t, f.now.Add(-2*day), stats.TopPartners[0].LastSharedAt)
	assert.Equal(t, "carol", stats.TopPartners[1].User.ID)
	assert.Equal(t, 1, stats.TopPartners[1].FilesShared)

	_, err = f.svc.SharingStats(ctx, "")
	requireKind(t, err, KindUnauthenticated)
}
