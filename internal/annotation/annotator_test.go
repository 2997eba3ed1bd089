package annotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decendata/internal/repository"
	"decendata/internal/repository/memory"
	"decendata/internal/service"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type annotatorFixture struct {
	files     *memory.FileRepository
	users     *memory.UserRepository
	svc       *service.FileService
	completer *fakeCompleter
	annotator *Annotator
	now       time.Time
}

func newAnnotatorFixture(t *testing.T, withCompleter bool) *annotatorFixture {
	t.Helper()
	f := &annotatorFixture{
		files:     memory.NewFileRepository(),
		users:     memory.NewUserRepository(),
		completer: &fakeCompleter{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.svc = service.NewFileService(f.files, f.users, nil, service.WithClock(clock))

	opts := []Option{WithAnnotatorClock(clock), WithBatch(2, 0)}
	if withCompleter {
		opts = append(opts, WithCompleter(f.completer, "test-model"))
	}
	f.annotator = NewAnnotator(f.files, f.users, f.svc, opts...)
	f.svc.AddObserver(f.annotator)

	for _, id := range []string{"owner", "friend", "stranger"} {
		_, err := f.users.Create(context.Background(), &repository.User{
			ID: id, Email: id + "@example.com", Name: id,
			Preferences: repository.DefaultPreferences(),
		})
		require.NoError(t, err)
	}
	return f
}

func (f *annotatorFixture) addFile(t *testing.T, id, name string, vis repository.Visibility, shares ...repository.Share) {
	t.Helper()
	_, err := f.files.Create(context.Background(), &repository.FileRecord{
		ID: id, OwnerID: "owner", ContentHash: "hash-" + id, Size: 10,
		MediaType: "text/plain", DisplayName: name, Extension: "txt",
		Visibility: vis, Status: repository.FileStatusActive, Version: 1,
		Shares: shares, CreatedAt: f.now, UpdatedAt: f.now,
	})
	require.NoError(t, err)
}

func kindOf(t *testing.T, err error) service.Kind {
	t.Helper()
	require.Error(t, err)
	return service.KindOf(err)
}

func TestAnnotator_AnalyzeUsesModelAndCaches(t *testing.T) {
	f := newAnnotatorFixture(t, true)
	ctx := context.Background()
	f.addFile(t, "f1", "report.txt", repository.VisibilityPrivate)
	f.completer.reply = `Result: {"summary":"A report","tags":["work"],"category":"document","sensitivity":"low","insights":["short"],"recommendations":["tag it"]}`

	res, err := f.annotator.Analyze(ctx, "owner", "f1", "")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, SourceModel, res.Annotation.Source)
	assert.Equal(t, "test-model", res.Annotation.Model)
	assert.Equal(t, KindGeneral, res.Annotation.Kind)
	assert.Equal(t, "A report", res.Annotation.Summary)

	stored, err := f.files.GetByID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, stored.Annotations.Analysis)
	assert.Equal(t, "A report", stored.Annotations.Analysis.Summary)

	res, err = f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, f.completer.calls())

	// 元数据变更后缓存失效
	desc := "updated"
	_, err = f.svc.UpdateMetadata(ctx, "owner", "f1", service.MetadataInput{Description: &desc})
	require.NoError(t, err)
	res, err = f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, f.completer.calls())
}

func TestAnnotator_FallsBackToHeuristics(t *testing.T) {
	ctx := context.Background()

	t.Run("upstream error", func(t *testing.T) {
		f := newAnnotatorFixture(t, true)
		f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
		f.completer.err = errors.New("503 service unavailable")

		res, err := f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
		require.NoError(t, err)
		assert.Equal(t, SourceHeuristic, res.Annotation.Source)
		assert.Equal(t, "document", res.Annotation.Category)
	})

	t.Run("unparseable general analysis", func(t *testing.T) {
		f := newAnnotatorFixture(t, true)
		f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
		f.completer.reply = "I am unable to help with that."

		res, err := f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
		require.NoError(t, err)
		assert.Equal(t, SourceHeuristic, res.Annotation.Source)
	})

	t.Run("free text security analysis", func(t *testing.T) {
		f := newAnnotatorFixture(t, true)
		f.addFile(t, "f1", "a.txt", repository.VisibilityPublic)
		f.completer.reply = "This is a medium risk file.\n- You should make it private"

		res, err := f.annotator.Analyze(ctx, "owner", "f1", KindSecurity)
		require.NoError(t, err)
		assert.Equal(t, SourceModel, res.Annotation.Source)
		assert.Equal(t, "medium", res.Annotation.RiskLevel)
		assert.Equal(t, []string{"You should make it private"}, res.Annotation.Recommendations)

		stored, err := f.files.GetByID(ctx, "f1")
		require.NoError(t, err)
		require.NotNil(t, stored.Annotations.Security)
	})

	t.Run("no completer", func(t *testing.T) {
		f := newAnnotatorFixture(t, false)
		f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
		res, err := f.annotator.Analyze(ctx, "owner", "f1", KindSecurity)
		require.NoError(t, err)
		assert.Equal(t, SourceHeuristic, res.Annotation.Source)
		assert.Equal(t, KindSecurity, res.Annotation.Kind)
	})

	t.Run("user disabled analysis", func(t *testing.T) {
		f := newAnnotatorFixture(t, true)
		f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
		prefs := repository.DefaultPreferences()
		prefs.AIAnalysisEnabled = false
		_, err := f.users.UpdateProfile(ctx, "owner", repository.UserUpdate{Preferences: &prefs})
		require.NoError(t, err)

		res, err := f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
		require.NoError(t, err)
		assert.Equal(t, SourceHeuristic, res.Annotation.Source)
		assert.Zero(t, f.completer.calls())
	})
}

func TestAnnotator_AnalyzeRespectsAccess(t *testing.T) {
	f := newAnnotatorFixture(t, false)
	ctx := context.Background()
	f.addFile(t, "priv", "a.txt", repository.VisibilityPrivate)
	f.addFile(t, "pub", "b.txt", repository.VisibilityPublic)

	_, err := f.annotator.Analyze(ctx, "stranger", "priv", KindGeneral)
	assert.Equal(t, service.KindForbidden, kindOf(t, err))

	_, err = f.annotator.Analyze(ctx, "", "pub", KindGeneral)
	assert.Equal(t, service.KindUnauthenticated, kindOf(t, err))

	_, err = f.annotator.Analyze(ctx, "stranger", "missing", KindGeneral)
	assert.Equal(t, service.KindNotFound, kindOf(t, err))

	_, err = f.annotator.Analyze(ctx, "owner", "priv", "sentiment")
	assert.Equal(t, service.KindValidationFailure, kindOf(t, err))

	_, err = f.annotator.Analyze(ctx, "stranger", "pub", KindGeneral)
	require.NoError(t, err)
}

func TestAnnotator_SecurityAnalysisIsOwnerOnly(t *testing.T) {
	f := newAnnotatorFixture(t, false)
	ctx := context.Background()
	accepted := repository.Share{
		ID: "s1", RecipientID: "friend", InvitedBy: "owner",
		Permission: repository.PermissionView, Status: repository.ShareStatusAccepted, InvitedAt: f.now,
	}
	other := repository.Share{
		ID: "s2", RecipientID: "stranger", InvitedBy: "owner",
		Permission: repository.PermissionShare, Status: repository.ShareStatusAccepted, InvitedAt: f.now,
	}
	f.addFile(t, "f1", "plan.txt", repository.VisibilityPrivate, accepted, other)

	_, err := f.annotator.Analyze(ctx, "friend", "f1", KindSecurity)
	assert.Equal(t, service.KindForbidden, kindOf(t, err))

	res, err := f.annotator.Analyze(ctx, "friend", "f1", KindGeneral)
	require.NoError(t, err)
	assert.Equal(t, KindGeneral, res.Annotation.Kind)

	// 非所有者的分析不写回记录
	stored, err := f.files.GetByID(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, stored.Annotations.Analysis)
	assert.Nil(t, stored.Annotations.Security)

	res, err = f.annotator.Analyze(ctx, "owner", "f1", KindSecurity)
	require.NoError(t, err)
	assert.Contains(t, res.Annotation.Summary, "2 active shares")
	stored, err = f.files.GetByID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, stored.Annotations.Security)
}

func TestAnnotator_BatchAnalyzeReportsPerItem(t *testing.T) {
	f := newAnnotatorFixture(t, false)
	ctx := context.Background()
	f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
	f.addFile(t, "f2", "b.txt", repository.VisibilityPrivate)
	f.addFile(t, "f3", "c.txt", repository.VisibilityPrivate)

	items, err := f.annotator.BatchAnalyze(ctx, "owner", []string{"f1", "f2", "f1", "missing", "f3"}, KindGeneral)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, []string{"f1", "f2", "missing", "f3"}, []string{items[0].FileID, items[1].FileID, items[2].FileID, items[3].FileID})
	for _, i := range []int{0, 1, 3} {
		assert.Empty(t, items[i].Error)
		require.NotNil(t, items[i].Result)
	}
	assert.Equal(t, string(service.KindNotFound), items[2].Kind)
	assert.Nil(t, items[2].Result)

	_, err = f.annotator.BatchAnalyze(ctx, "owner", nil, KindGeneral)
	assert.Equal(t, service.KindValidationFailure, kindOf(t, err))

	many := make([]string, maxBatchItems+1)
	for i := range many {
		many[i] = string(rune('a' + i))
	}
	_, err = f.annotator.BatchAnalyze(ctx, "owner", many, KindGeneral)
	assert.Equal(t, service.KindValidationFailure, kindOf(t, err))
}

func TestAnnotator_SearchScopesCandidates(t *testing.T) {
	ctx := context.Background()
	f := newAnnotatorFixture(t, true)
	accepted := repository.Share{ID: "s1", RecipientID: "friend", Status: repository.ShareStatusAccepted, Permission: repository.PermissionView}
	pending := repository.Share{ID: "s2", RecipientID: "friend", Status: repository.ShareStatusPending, Permission: repository.PermissionDownload}
	f.addFile(t, "shared", "tax-shared.txt", repository.VisibilityPrivate, accepted)
	f.addFile(t, "pending", "tax-pending.txt", repository.VisibilityPrivate, pending)
	f.addFile(t, "public", "tax-public.txt", repository.VisibilityPublic)

	f.completer.reply = `[{"id":"public","relevance":0.2,"reason":"weak"},{"id":"pending","relevance":0.99,"reason":"leak"},{"id":"shared","relevance":0.9,"reason":"strong"}]`

	res, err := f.annotator.Search(ctx, "friend", SearchInput{Query: "tax"})
	require.NoError(t, err)
	assert.Equal(t, SourceModel, res.Source)
	require.Len(t, res.Results, 1, "only accepted shares are searchable without public files")
	hit := res.Results[0]
	assert.Equal(t, "shared", hit.File.ID)
	assert.True(t, hit.CanView)
	assert.False(t, hit.CanDownload)
	assert.Len(t, hit.File.Shares, 1)

	res, err = f.annotator.Search(ctx, "friend", SearchInput{Query: "tax", IncludePublic: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "shared", res.Results[0].File.ID)
	assert.Equal(t, "public", res.Results[1].File.ID)
	assert.True(t, res.Results[1].CanDownload)
}

func TestAnnotator_SearchFallbacks(t *testing.T) {
	ctx := context.Background()
	f := newAnnotatorFixture(t, true)
	f.addFile(t, "f1", "invoice-march.txt", repository.VisibilityPrivate)
	f.addFile(t, "f2", "cat.txt", repository.VisibilityPrivate)

	f.completer.reply = "I could not rank these."
	res, err := f.annotator.Search(ctx, "owner", SearchInput{Query: "invoice"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, textMatchRelevance, res.Results[0].Relevance)
	assert.Equal(t, SourceHeuristic, res.Source)

	f.completer.reply = `[{"id": 42}]`
	res, err = f.annotator.Search(ctx, "owner", SearchInput{Query: "invoice"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, fallbackMatchRelevance, res.Results[0].Relevance)
	assert.Equal(t, fallbackMatchReason, res.Results[0].Reason)

	_, err = f.annotator.Search(ctx, "owner", SearchInput{Query: "   "})
	assert.Equal(t, service.KindValidationFailure, kindOf(t, err))
	_, err = f.annotator.Search(ctx, "", SearchInput{Query: "x"})
	assert.Equal(t, service.KindUnauthenticated, kindOf(t, err))
}

func TestAnnotator_Insights(t *testing.T) {
	ctx := context.Background()
	f := newAnnotatorFixture(t, true)
	f.addFile(t, "f1", "a.txt", repository.VisibilityPublic)
	f.addFile(t, "f2", "b.txt", repository.VisibilityPublic)

	f.completer.err = errors.New("timeout")
	res, err := f.annotator.Insights(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, SourceHeuristic, res.Source)
	assert.Equal(t, 2, res.Stats.TotalFiles)
	require.Len(t, res.Insights, 2)
	assert.Equal(t, "Many Public Files", res.Insights[0].Title)
	assert.Equal(t, "Low File Engagement", res.Insights[1].Title)

	f.completer.err = nil
	f.completer.reply = `[{"category":"organization","title":"Add tags","description":"none of your files are tagged","priority":"low","actionable":true}]`
	res, err = f.annotator.Insights(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, SourceModel, res.Source)
	require.Len(t, res.Insights, 1)
	assert.Equal(t, "Add tags", res.Insights[0].Title)
}

func TestAnnotator_ClearCacheOnlyTouchesCallerFiles(t *testing.T) {
	ctx := context.Background()
	f := newAnnotatorFixture(t, false)
	f.addFile(t, "f1", "a.txt", repository.VisibilityPrivate)
	f.addFile(t, "pub", "b.txt", repository.VisibilityPublic)
	_, err := f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
	require.NoError(t, err)
	_, err = f.annotator.Analyze(ctx, "owner", "pub", KindGeneral)
	require.NoError(t, err)

	_, err = f.annotator.ClearCache(ctx, "")
	assert.Equal(t, service.KindUnauthenticated, kindOf(t, err))

	// stranger 没有文件，不影响所有者的缓存
	n, err := f.annotator.ClearCache(ctx, "stranger")
	require.NoError(t, err)
	assert.Zero(t, n)
	res, err := f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	n, err = f.annotator.ClearCache(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	res, err = f.annotator.Analyze(ctx, "owner", "f1", KindGeneral)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}
