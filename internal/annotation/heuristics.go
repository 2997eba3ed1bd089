package annotation

import (
	"fmt"
	"strings"
	"time"

	"decendata/internal/repository"
)

const (
	maxRecommendations = 5
	largeLibraryBytes  = 100 * 1024 * 1024
	securitySummaryLen = 200
)

// RiskLevel 根据关键词判断自由文本中的风险级别。
func RiskLevel(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "high risk"), strings.Contains(lower, "critical"):
		return "high"
	case strings.Contains(lower, "medium risk"), strings.Contains(lower, "moderate"):
		return "medium"
	}
	return "low"
}

// ExtractRecommendations 挑出看起来像建议的行，至多五条。
func ExtractRecommendations(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "recommend") &&
			!strings.Contains(lower, "suggest") &&
			!strings.Contains(lower, "should") &&
			!strings.Contains(line, "•") &&
			!strings.Contains(line, "-") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "•-* "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxRecommendations {
			break
		}
	}
	return out
}

var archiveTypes = map[string]struct{}{
	"application/zip":              {},
	"application/gzip":             {},
	"application/x-tar":            {},
	"application/x-7z-compressed":  {},
	"application/x-rar-compressed": {},
}

var dataTypes = map[string]struct{}{
	"application/json":         {},
	"application/xml":          {},
	"text/csv":                 {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
}

var codeExtensions = map[string]struct{}{
	"go": {}, "js": {}, "ts": {}, "py": {}, "rs": {}, "java": {}, "c": {}, "cpp": {}, "sh": {}, "sol": {},
}

// Category 根据媒体类型与扩展名推断文件类别。
func Category(mediaType, extension string) string {
	mt := strings.ToLower(mediaType)
	if _, ok := codeExtensions[strings.ToLower(extension)]; ok {
		return "code"
	}
	if _, ok := archiveTypes[mt]; ok {
		return "archive"
	}
	if _, ok := dataTypes[mt]; ok {
		return "data"
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "text/"), mt == "application/pdf", strings.Contains(mt, "word"), strings.Contains(mt, "document"):
		return "document"
	}
	return "other"
}

var (
	highSensitivityWords   = []string{"password", "secret", "private", "key", "wallet", "seed", "passport", "ssn", "credential"}
	mediumSensitivityWords = []string{"contract", "invoice", "salary", "tax", "bank", "medical", "personal", "confidential"}
)

// Sensitivity 根据文件名、描述与标签中的关键词估计敏感程度。
func Sensitivity(f *repository.FileRecord) string {
	haystack := strings.ToLower(f.DisplayName + " " + f.Metadata.Description + " " + strings.Join(f.Metadata.Tags, " "))
	for _, w := range highSensitivityWords {
		if strings.Contains(haystack, w) {
			return "high"
		}
	}
	for _, w := range mediumSensitivityWords {
		if strings.Contains(haystack, w) {
			return "medium"
		}
	}
	return "low"
}

// HeuristicAnalysis 在无法调用模型时生成常规分析。
func HeuristicAnalysis(f *repository.FileRecord, now time.Time) repository.Annotation {
	category := Category(f.MediaType, f.Extension)
	sensitivity := Sensitivity(f)

	tags := []string{category}
	if f.Extension != "" && f.Extension != category {
		tags = append(tags, f.Extension)
	}
	for _, t := range f.Metadata.Tags {
		if len(tags) == 10 {
			break
		}
		tags = append(tags, t)
	}

	var insights, recs []string
	insights = append(insights, fmt.Sprintf("%s file of %s", category, megabytes(f.Size)))
	if f.Stats.DownloadCount == 0 {
		insights = append(insights, "File has not been downloaded yet")
	}
	if sensitivity != "low" && f.Visibility == repository.VisibilityPublic {
		recs = append(recs, "Consider making this file private; its name suggests sensitive content")
	}
	if sensitivity != "low" && f.Encryption == nil {
		recs = append(recs, "Enable at-rest encryption for sensitive files")
	}
	if strings.TrimSpace(f.Metadata.Description) == "" {
		recs = append(recs, "Add a description to improve search")
	}
	if len(f.Metadata.Tags) == 0 {
		recs = append(recs, "Add tags to organize your library")
	}

	return repository.Annotation{
		Kind:            KindGeneral,
		Summary:         fmt.Sprintf("%s (%s, %s).", f.DisplayName, f.MediaType, megabytes(f.Size)),
		Tags:            tags,
		Category:        category,
		Sensitivity:     sensitivity,
		Insights:        insights,
		Recommendations: cleanList(recs, maxRecommendations),
		Source:          SourceHeuristic,
		GeneratedAt:     now,
	}
}

// HeuristicSecurity 根据可见性、加密与分享情况给出安全评估。
func HeuristicSecurity(f *repository.FileRecord, now time.Time) repository.Annotation {
	sensitivity := Sensitivity(f)
	var concerns, recs []string
	score := 0

	if f.Visibility == repository.VisibilityPublic {
		concerns = append(concerns, "File is publicly accessible")
		score++
		if sensitivity != "low" {
			score += 2
		}
	}
	if f.Encryption == nil {
		concerns = append(concerns, "Content is stored unencrypted on a content-addressed network")
		if sensitivity == "high" {
			score++
		}
	}

	var active, expired, shareGrants int
	for _, s := range f.Shares {
		switch {
		case s.Status == repository.ShareStatusDeclined:
		case s.Expired(now):
			expired++
		default:
			active++
			if s.Permission == repository.PermissionShare {
				shareGrants++
			}
		}
	}
	if active > 5 {
		concerns = append(concerns, fmt.Sprintf("File is shared with %d recipients", active))
		score++
	}
	if shareGrants > 0 {
		concerns = append(concerns, "Some recipients may re-share this file")
		recs = append(recs, "Downgrade share permissions to download where re-sharing is not needed")
	}
	if expired > 0 {
		recs = append(recs, "Remove expired shares")
	}
	if f.Visibility == repository.VisibilityPublic && sensitivity != "low" {
		recs = append(recs, "Make the file private and share it with specific recipients")
	}
	recs = append(recs, "Remember that pinned content may persist on the network after deletion")

	risk := "low"
	switch {
	case score >= 3:
		risk = "high"
	case score >= 1:
		risk = "medium"
	}

	summary := fmt.Sprintf("Risk %s: %s file, %d active shares, %s at rest.",
		risk, f.Visibility, active, encryptionLabel(f))
	return repository.Annotation{
		Kind:            KindSecurity,
		Summary:         summary,
		Sensitivity:     sensitivity,
		RiskLevel:       risk,
		Insights:        concerns,
		Recommendations: cleanList(recs, maxRecommendations),
		Source:          SourceHeuristic,
		GeneratedAt:     now,
	}
}

func encryptionLabel(f *repository.FileRecord) string {
	if f.Encryption != nil {
		return "encrypted"
	}
	return "unencrypted"
}

// securityFromText 将无法解析为 JSON 的模型回复转为安全标注。
func securityFromText(text string, now time.Time) repository.Annotation {
	summary := strings.TrimSpace(text)
	if r := []rune(summary); len(r) > securitySummaryLen {
		summary = string(r[:securitySummaryLen]) + "..."
	}
	return repository.Annotation{
		Kind:            KindSecurity,
		Summary:         summary,
		RiskLevel:       RiskLevel(text),
		Recommendations: ExtractRecommendations(text),
		GeneratedAt:     now,
	}
}

// LibraryStats 是生成文件库建议所需的汇总数据。
type LibraryStats struct {
	TotalFiles     int            `json:"total_files"`
	TotalSize      int64          `json:"total_size"`
	TotalDownloads int64          `json:"total_downloads"`
	PublicFiles    int            `json:"public_files"`
	SharedFiles    int            `json:"shared_files"`
	AverageSize    int64          `json:"average_size"`
	FileTypes      map[string]int `json:"file_types"`
	Oldest         string         `json:"oldest,omitempty"`
	Newest         string         `json:"newest,omitempty"`
	MostDownloaded string         `json:"most_downloaded,omitempty"`
}

// Summarize 汇总文件库。
func Summarize(files []repository.FileRecord) LibraryStats {
	s := LibraryStats{FileTypes: map[string]int{}}
	var oldest, newest, popular *repository.FileRecord
	for i := range files {
		f := &files[i]
		s.TotalFiles++
		s.TotalSize += f.Size
		s.TotalDownloads += f.Stats.DownloadCount
		if f.Visibility == repository.VisibilityPublic {
			s.PublicFiles++
		}
		if len(f.Shares) > 0 {
			s.SharedFiles++
		}
		s.FileTypes[Category(f.MediaType, f.Extension)]++
		if oldest == nil || f.CreatedAt.Before(oldest.CreatedAt) {
			oldest = f
		}
		if newest == nil || f.CreatedAt.After(newest.CreatedAt) {
			newest = f
		}
		if popular == nil || f.Stats.DownloadCount > popular.Stats.DownloadCount {
			popular = f
		}
	}
	if s.TotalFiles > 0 {
		s.AverageSize = s.TotalSize / int64(s.TotalFiles)
		s.Oldest = oldest.DisplayName
		s.Newest = newest.DisplayName
		s.MostDownloaded = popular.DisplayName
	}
	return s
}

// FallbackInsights 基于阈值生成文件库建议。
func FallbackInsights(s LibraryStats) []Insight {
	out := []Insight{}
	if s.TotalSize > largeLibraryBytes {
		out = append(out, Insight{
			Category:    "storage",
			Title:       "Large Storage Usage",
			Description: fmt.Sprintf("You're using %s of storage. Consider archiving or removing files you no longer need.", megabytes(s.TotalSize)),
			Priority:    "medium",
			Actionable:  true,
		})
	}
	if s.TotalFiles > 0 && float64(s.PublicFiles)/float64(s.TotalFiles) > 0.5 {
		out = append(out, Insight{
			Category:    "security",
			Title:       "Many Public Files",
			Description: fmt.Sprintf("%d of %d files are public. Review whether they all need to be publicly accessible.", s.PublicFiles, s.TotalFiles),
			Priority:    "high",
			Actionable:  true,
		})
	}
	if s.TotalDownloads < int64(s.TotalFiles) {
		out = append(out, Insight{
			Category:    "usage",
			Title:       "Low File Engagement",
			Description: "Many files haven't been downloaded. Consider cleaning up unused files or sharing them with collaborators.",
			Priority:    "low",
			Actionable:  true,
		})
	}
	return out
}

const (
	textMatchRelevance     = 0.7
	textMatchReason        = "Text match in file metadata"
	fallbackMatchRelevance = 0.5
	fallbackMatchReason    = "Fallback text search match"
)

// SubstringSearch 在名称、描述与标签中做大小写无关的子串匹配。
func SubstringSearch(query string, files []repository.FileRecord, relevance float64, reason string) []RankedResult {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []RankedResult{}
	if q == "" {
		return out
	}
	for _, f := range files {
		if matches(f, q) {
			out = append(out, RankedResult{ID: f.ID, Relevance: relevance, Reason: reason})
		}
	}
	return out
}

func matches(f repository.FileRecord, q string) bool {
	if strings.Contains(strings.ToLower(f.DisplayName), q) ||
		strings.Contains(strings.ToLower(f.Metadata.Description), q) {
		return true
	}
	for _, t := range f.Metadata.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}
