package annotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"decendata/internal/repository"
	"decendata/internal/service"
)

const (
	KindGeneral  = "general"
	KindSecurity = "security"

	SourceModel     = "model"
	SourceHeuristic = "heuristic"

	DefaultBatchSize  = 3
	DefaultBatchDelay = time.Second

	maxBatchItems      = 20
	maxSearchQuery     = 500
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	maxCandidates      = 100
	libraryPageSize    = 100
)

// annotationCalls 按结果统计标注请求：remote 为模型生成，fallback 为启发式，cache 为命中缓存。
var annotationCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decendata_annotation_calls_total",
		Help: "Annotation requests by outcome",
	},
	[]string{"outcome"},
)

// Access 校验调用者对文件的访问权限。
type Access interface {
	Authorized(ctx context.Context, callerID, fileID string, action service.Action) (*repository.FileRecord, error)
}

// Annotator 生成建议性的文件标注，模型不可用时退回启发式规则。
type Annotator struct {
	files      repository.FileRepository
	users      repository.UserRepository
	access     Access
	completer  Completer
	model      string
	cache      Cache
	batchSize  int
	batchDelay time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// Option 配置 Annotator。
type Option func(*Annotator)

// WithCompleter 启用远程模型，c 为 nil 时只使用启发式规则。
func WithCompleter(c Completer, model string) Option {
	return func(a *Annotator) {
		a.completer = c
		a.model = model
	}
}

// WithCache 替换默认的进程内缓存。
func WithCache(c Cache) Option {
	return func(a *Annotator) {
		if c != nil {
			a.cache = c
		}
	}
}

// WithBatch 设置批量分析的分组大小与组间间隔。
func WithBatch(size int, delay time.Duration) Option {
	return func(a *Annotator) {
		if size > 0 {
			a.batchSize = size
		}
		if delay >= 0 {
			a.batchDelay = delay
		}
	}
}

func WithAnnotatorLogger(l zerolog.Logger) Option {
	return func(a *Annotator) { a.logger = l }
}

func WithAnnotatorClock(now func() time.Time) Option {
	return func(a *Annotator) { a.now = now }
}

// NewAnnotator 创建标注服务。
func NewAnnotator(files repository.FileRepository, users repository.UserRepository, access Access, opts ...Option) *Annotator {
	a := &Annotator{
		files:      files,
		users:      users,
		access:     access,
		cache:      NewMemoryCache(DefaultCacheTTL),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ service.FileObserver = (*Annotator)(nil)

func (a *Annotator) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.logger
}

// Result 是一次文件分析的结果。
type Result struct {
	FileID     string                `json:"file_id"`
	Annotation repository.Annotation `json:"annotation"`
	Cached     bool                  `json:"cached"`
}

func normalizeKind(kind string) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "", KindGeneral:
		return KindGeneral, nil
	case KindSecurity:
		return KindSecurity, nil
	}
	return "", service.Invalidf("unsupported analysis type %q", kind)
}

// Analyze 为 caller 可见的文件生成 general 标注；security 标注仅限所有者。
func (a *Annotator) Analyze(ctx context.Context, callerID, fileID, kind string) (*Result, error) {
	kind, err := normalizeKind(kind)
	if err != nil {
		return nil, err
	}
	if callerID == "" {
		return nil, service.Unauthenticated("authentication required")
	}
	file, err := a.access.Authorized(ctx, callerID, fileID, service.ActionView)
	if err != nil {
		return nil, err
	}
	owner := file.OwnerID == callerID
	if !owner {
		// 安全分析包含完整分享列表，仅所有者可见
		if kind == KindSecurity {
			return nil, service.Forbidden("security analysis is available to the file owner only")
		}
		file = service.VisibleTo(file, callerID)
	}

	cached, err := a.cache.Get(ctx, fileID, kind)
	if err != nil {
		a.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("annotation cache read")
	}
	if cached != nil {
		annotationCalls.WithLabelValues("cache").Inc()
		return &Result{FileID: fileID, Annotation: *cached, Cached: true}, nil
	}

	ann := a.generate(ctx, callerID, file, kind)

	// 只有所有者的分析会写回记录
	if owner {
		if err := a.files.SaveAnnotation(ctx, fileID, ann); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, service.NotFound("file not found")
			}
			a.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("persist annotation")
		}
	}
	if err := a.cache.Set(ctx, fileID, kind, ann); err != nil {
		a.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("annotation cache write")
	}
	return &Result{FileID: fileID, Annotation: ann}, nil
}

func (a *Annotator) generate(ctx context.Context, callerID string, file *repository.FileRecord, kind string) repository.Annotation {
	now := a.now()
	heuristic := func() repository.Annotation {
		annotationCalls.WithLabelValues("fallback").Inc()
		if kind == KindSecurity {
			return HeuristicSecurity(file, now)
		}
		return HeuristicAnalysis(file, now)
	}
	if !a.remoteEnabled(ctx, callerID) {
		return heuristic()
	}

	prompt := fileAnalysisPrompt(file)
	if kind == KindSecurity {
		prompt = securityPrompt(file, now)
	}
	text, err := a.completer.Complete(ctx, prompt, a.model)
	if err != nil {
		a.log(ctx).Warn().Err(err).Str("file_id", file.ID).Str("kind", kind).Msg("completion failed, using heuristics")
		return heuristic()
	}

	ann, err := ParseAnnotationResponse(text)
	if err != nil {
		if kind != KindSecurity {
			a.log(ctx).Warn().Err(err).Str("file_id", file.ID).Msg("unparseable completion, using heuristics")
			return heuristic()
		}
		ann = securityFromText(text, now)
	}
	ann.Kind = kind
	ann.Source = SourceModel
	ann.Model = a.model
	ann.GeneratedAt = now
	if kind == KindSecurity && ann.RiskLevel == "" {
		ann.RiskLevel = RiskLevel(text)
	}
	if kind == KindGeneral && ann.Category == "" {
		ann.Category = Category(file.MediaType, file.Extension)
	}
	annotationCalls.WithLabelValues("remote").Inc()
	return ann
}

// remoteEnabled 在配置了模型且用户未关闭 AI 分析时返回 true。
func (a *Annotator) remoteEnabled(ctx context.Context, callerID string) bool {
	if a.completer == nil {
		return false
	}
	if a.users == nil || callerID == "" {
		return true
	}
	u, err := a.users.GetByID(ctx, callerID)
	if err != nil {
		return true
	}
	return u.Preferences.AIAnalysisEnabled
}

// BatchItem 是批量分析中单个文件的结果。
type BatchItem struct {
	FileID string  `json:"file_id"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Kind   string  `json:"error_kind,omitempty"`
}

// BatchAnalyze 按 batchSize 分组并发分析，组间等待 batchDelay。单个文件失败不影响其他文件。
func (a *Annotator) BatchAnalyze(ctx context.Context, callerID string, ids []string, kind string) ([]BatchItem, error) {
	if callerID == "" {
		return nil, service.Unauthenticated("authentication required")
	}
	kind, err := normalizeKind(kind)
	if err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, service.Invalid("file_ids must not be empty")
	}
	if len(ids) > maxBatchItems {
		return nil, service.Invalidf("at most %d files per batch", maxBatchItems)
	}

	items := make([]BatchItem, len(ids))
	for start := 0; start < len(ids); start += a.batchSize {
		if start > 0 && a.batchDelay > 0 {
			select {
			case <-ctx.Done():
				for i := start; i < len(ids); i++ {
					items[i] = BatchItem{FileID: ids[i], Error: ctx.Err().Error()}
				}
				return items, nil
			case <-time.After(a.batchDelay):
			}
		}

		end := min(start+a.batchSize, len(ids))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := a.Analyze(ctx, callerID, ids[i], kind)
				items[i] = BatchItem{FileID: ids[i], Result: res}
				if err != nil {
					items[i].Error = err.Error()
					items[i].Kind = string(service.KindOf(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return items, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SearchInput 是自然语言搜索的参数。
type SearchInput struct {
	Query         string
	IncludePublic bool
	Limit         int
}

// SearchHit 是一条搜索结果。
type SearchHit struct {
	File        *repository.FileRecord `json:"file"`
	Relevance   float64                `json:"relevance"`
	Reason      string                 `json:"reason"`
	CanView     bool                   `json:"can_view"`
	CanDownload bool                   `json:"can_download"`
}

// SearchResponse 是搜索结果集合。
type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
	Total   int         `json:"total"`
	Source  string      `json:"source"`
}

// Search 在 caller 拥有、已接受分享以及（可选）公开的文件中按相关性排序。
func (a *Annotator) Search(ctx context.Context, callerID string, in SearchInput) (*SearchResponse, error) {
	if callerID == "" {
		return nil, service.Unauthenticated("authentication required")
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, service.Invalid("query is required")
	}
	if len(query) > maxSearchQuery {
		return nil, service.Invalidf("query must be at most %d characters", maxSearchQuery)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return nil, service.Invalidf("limit must be at most %d", maxSearchLimit)
	}

	candidates, err := a.candidates(ctx, callerID, in.IncludePublic)
	if err != nil {
		return nil, err
	}

	ranked, source := a.rank(ctx, callerID, query, candidates, limit)

	byID := make(map[string]*repository.FileRecord, len(candidates))
	for i := range candidates {
		byID[candidates[i].ID] = &candidates[i]
	}
	now := a.now()
	hits := []SearchHit{}
	seen := map[string]struct{}{}
	for _, r := range ranked {
		f, ok := byID[r.ID]
		if !ok {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		hits = append(hits, SearchHit{
			File:        service.VisibleTo(f, callerID),
			Relevance:   r.Relevance,
			Reason:      r.Reason,
			CanView:     service.Authorize(f, callerID, service.ActionView, now) == nil,
			CanDownload: service.Authorize(f, callerID, service.ActionDownload, now) == nil,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &SearchResponse{Query: query, Results: hits, Total: len(hits), Source: source}, nil
}

func (a *Annotator) rank(ctx context.Context, callerID, query string, candidates []repository.FileRecord, limit int) ([]RankedResult, string) {
	if len(candidates) == 0 {
		return nil, SourceHeuristic
	}
	if !a.remoteEnabled(ctx, callerID) {
		annotationCalls.WithLabelValues("fallback").Inc()
		return SubstringSearch(query, candidates, textMatchRelevance, textMatchReason), SourceHeuristic
	}

	text, err := a.completer.Complete(ctx, searchPrompt(query, candidates, limit), a.model)
	if err != nil {
		a.log(ctx).Warn().Err(err).Msg("search completion failed, using text match")
		annotationCalls.WithLabelValues("fallback").Inc()
		return SubstringSearch(query, candidates, fallbackMatchRelevance, fallbackMatchReason), SourceHeuristic
	}
	ranked, err := ParseRankedResults(text)
	switch {
	case errors.Is(err, ErrNoJSON):
		annotationCalls.WithLabelValues("fallback").Inc()
		return SubstringSearch(query, candidates, textMatchRelevance, textMatchReason), SourceHeuristic
	case err != nil:
		annotationCalls.WithLabelValues("fallback").Inc()
		return SubstringSearch(query, candidates, fallbackMatchRelevance, fallbackMatchReason), SourceHeuristic
	}
	annotationCalls.WithLabelValues("remote").Inc()
	return ranked, SourceModel
}

// candidates 收集搜索范围内的 active 文件，至多 maxCandidates 个。
func (a *Annotator) candidates(ctx context.Context, callerID string, includePublic bool) ([]repository.FileRecord, error) {
	now := a.now()
	active := []repository.FileStatus{repository.FileStatusActive}
	queries := []repository.ListFilesParams{
		{OwnerID: callerID, Statuses: active},
		{SharedWith: callerID, ShareStatus: repository.ShareStatusAccepted, ShareActiveAt: &now, Statuses: active},
	}
	if includePublic {
		queries = append(queries, repository.ListFilesParams{Visibility: repository.VisibilityPublic, Statuses: active})
	}

	var out []repository.FileRecord
	seen := map[string]struct{}{}
	for _, q := range queries {
		q.Limit = maxCandidates - len(out)
		if q.Limit <= 0 {
			break
		}
		files, err := a.files.List(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list search candidates: %w", err)
		}
		for _, f := range files {
			if _, ok := seen[f.ID]; ok {
				continue
			}
			seen[f.ID] = struct{}{}
			out = append(out, f)
		}
	}
	return out, nil
}

// InsightsResponse 是文件库建议。
type InsightsResponse struct {
	Stats    LibraryStats `json:"stats"`
	Insights []Insight    `json:"insights"`
	Source   string       `json:"source"`
}

// Insights 汇总 caller 的文件库并生成建议。
func (a *Annotator) Insights(ctx context.Context, callerID string) (*InsightsResponse, error) {
	if callerID == "" {
		return nil, service.Unauthenticated("authentication required")
	}
	files, err := a.library(ctx, callerID)
	if err != nil {
		return nil, err
	}
	stats := Summarize(files)

	if stats.TotalFiles == 0 || !a.remoteEnabled(ctx, callerID) {
		annotationCalls.WithLabelValues("fallback").Inc()
		return &InsightsResponse{Stats: stats, Insights: FallbackInsights(stats), Source: SourceHeuristic}, nil
	}

	text, err := a.completer.Complete(ctx, insightsPrompt(stats), a.model)
	if err == nil {
		var insights []Insight
		insights, err = ParseInsights(text)
		if err == nil && len(insights) > 0 {
			annotationCalls.WithLabelValues("remote").Inc()
			return &InsightsResponse{Stats: stats, Insights: insights, Source: SourceModel}, nil
		}
	}
	if err != nil {
		a.log(ctx).Warn().Err(err).Msg("insights completion unusable, using thresholds")
	}
	annotationCalls.WithLabelValues("fallback").Inc()
	return &InsightsResponse{Stats: stats, Insights: FallbackInsights(stats), Source: SourceHeuristic}, nil
}

func (a *Annotator) library(ctx context.Context, ownerID string) ([]repository.FileRecord, error) {
	params := repository.ListFilesParams{
		OwnerID:  ownerID,
		Statuses: []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		Limit:    libraryPageSize,
	}
	var out []repository.FileRecord
	for {
		page, err := a.files.List(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list library: %w", err)
		}
		out = append(out, page...)
		if len(page) < params.Limit {
			return out, nil
		}
		params.Offset += len(page)
	}
}

// FileChanged 在文件变更后使缓存失效。
func (a *Annotator) FileChanged(ctx context.Context, fileID string) {
	if err := a.cache.Invalidate(ctx, fileID); err != nil {
		a.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("annotation cache invalidate")
	}
}

// ClearCache 清除 caller 所拥有文件的标注缓存，返回处理的文件数。
func (a *Annotator) ClearCache(ctx context.Context, callerID string) (int, error) {
	if callerID == "" {
		return 0, service.Unauthenticated("authentication required")
	}
	files, err := a.library(ctx, callerID)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := a.cache.Invalidate(ctx, f.ID); err != nil {
			return 0, service.Upstream("cache unavailable", err)
		}
	}
	a.log(ctx).Info().Str("user_id", callerID).Int("files", len(files)).Msg("annotation cache cleared")
	return len(files), nil
}
