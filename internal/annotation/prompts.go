package annotation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"decendata/internal/repository"
)

func orNone(s, none string) string {
	if strings.TrimSpace(s) == "" {
		return none
	}
	return s
}

func joinTags(tags []string) string {
	return orNone(strings.Join(tags, ", "), "No tags")
}

func megabytes(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
}

func fileAnalysisPrompt(f *repository.FileRecord) string {
	var b strings.Builder
	b.WriteString("Analyze this file and provide insights in JSON format.\n\n")
	b.WriteString("File details:\n")
	fmt.Fprintf(&b, "- Name: %s\n", f.DisplayName)
	fmt.Fprintf(&b, "- Type: %s\n", f.MediaType)
	fmt.Fprintf(&b, "- Size: %s\n", megabytes(f.Size))
	fmt.Fprintf(&b, "- Description: %s\n", orNone(f.Metadata.Description, "No description"))
	fmt.Fprintf(&b, "- Tags: %s\n", joinTags(f.Metadata.Tags))
	fmt.Fprintf(&b, "- Visibility: %s\n", f.Visibility)
	fmt.Fprintf(&b, "- Downloads: %d\n", f.Stats.DownloadCount)
	b.WriteString(`
Respond with a single JSON object:
{
  "summary": "Brief 2-3 sentence summary of the file",
  "tags": ["relevant", "tags"],
  "category": "document/image/video/audio/code/data/archive/other",
  "sensitivity": "low/medium/high",
  "insights": ["key insights about the file"],
  "recommendations": ["suggestions for handling this file"]
}

Focus on practical insights for decentralized file storage management.`)
	return b.String()
}

func securityPrompt(f *repository.FileRecord, now time.Time) string {
	var pending, accepted, expired int
	perms := map[repository.Permission]int{}
	for _, s := range f.Shares {
		switch {
		case s.Status == repository.ShareStatusPending:
			pending++
		case s.Status == repository.ShareStatusAccepted && s.Expired(now):
			expired++
		case s.Status == repository.ShareStatusAccepted:
			accepted++
			perms[s.Permission]++
		}
	}

	var b strings.Builder
	b.WriteString("Analyze the security implications of sharing this file.\n\n")
	fmt.Fprintf(&b, "- File name: %s\n", f.DisplayName)
	fmt.Fprintf(&b, "- File type: %s\n", f.MediaType)
	fmt.Fprintf(&b, "- File size: %d bytes\n", f.Size)
	fmt.Fprintf(&b, "- Description: %s\n", orNone(f.Metadata.Description, "No description"))
	fmt.Fprintf(&b, "- Tags: %s\n", joinTags(f.Metadata.Tags))
	fmt.Fprintf(&b, "- Public: %t\n", f.Visibility == repository.VisibilityPublic)
	fmt.Fprintf(&b, "- Encrypted at rest: %t\n", f.Encryption != nil)
	fmt.Fprintf(&b, "- Accepted shares: %d (view %d, download %d, share %d)\n",
		accepted, perms[repository.PermissionView], perms[repository.PermissionDownload], perms[repository.PermissionShare])
	fmt.Fprintf(&b, "- Pending invitations: %d\n", pending)
	fmt.Fprintf(&b, "- Expired shares: %d\n", expired)
	if a := f.Annotations.Analysis; a != nil {
		fmt.Fprintf(&b, "- Previously assessed sensitivity: %s\n", orNone(a.Sensitivity, "unknown"))
		fmt.Fprintf(&b, "- Previously assessed category: %s\n", orNone(a.Category, "unknown"))
	}
	b.WriteString(`
Respond with a single JSON object:
{
  "summary": "one paragraph assessment",
  "riskLevel": "low/medium/high",
  "concerns": ["potential security concerns"],
  "recommendations": ["security recommendations"]
}

Consider content-addressed storage permanence and who currently has access.`)
	return b.String()
}

func searchPrompt(query string, files []repository.FileRecord, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User search query: %q\n\nAvailable files:\n", query)
	for i, f := range files {
		fmt.Fprintf(&b, "%d. ID: %s\n   Name: %s\n   Description: %s\n   Tags: %s\n   Type: %s\n   Size: %d bytes\n",
			i+1, f.ID, f.DisplayName, orNone(f.Metadata.Description, "No description"), joinTags(f.Metadata.Tags), f.MediaType, f.Size)
		if a := f.Annotations.Analysis; a != nil && a.Summary != "" {
			fmt.Fprintf(&b, "   Summary: %s\n", a.Summary)
		}
	}
	fmt.Fprintf(&b, `
Rank the files by relevance to the query. Consider names, descriptions, tags, types and semantic meaning.
Return a JSON array ordered by relevance, at most %d entries:
[{"id": "file_id", "relevance": 0.9, "reason": "why it matches"}]`, limit)
	return b.String()
}

func insightsPrompt(s LibraryStats) string {
	var b strings.Builder
	b.WriteString("Analyze this user's file library and provide actionable insights.\n\nStatistics:\n")
	fmt.Fprintf(&b, "- Total files: %d\n", s.TotalFiles)
	fmt.Fprintf(&b, "- Total size: %s\n", megabytes(s.TotalSize))
	fmt.Fprintf(&b, "- Total downloads: %d\n", s.TotalDownloads)
	fmt.Fprintf(&b, "- Public files: %d\n", s.PublicFiles)
	fmt.Fprintf(&b, "- Files shared with others: %d\n", s.SharedFiles)
	fmt.Fprintf(&b, "- Average file size: %s\n", megabytes(s.AverageSize))

	b.WriteString("\nFile types:\n")
	types := make([]string, 0, len(s.FileTypes))
	for t := range s.FileTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %d files\n", t, s.FileTypes[t])
	}

	b.WriteString("\nNotable files:\n")
	fmt.Fprintf(&b, "- Oldest: %s\n", orNone(s.Oldest, "n/a"))
	fmt.Fprintf(&b, "- Newest: %s\n", orNone(s.Newest, "n/a"))
	fmt.Fprintf(&b, "- Most downloaded: %s\n", orNone(s.MostDownloaded, "n/a"))

	b.WriteString(`
Cover storage optimization, organization, security, usage patterns and cost.
Return a JSON array of objects:
[{"category": "storage|organization|security|usage|cost", "title": "string", "description": "string", "priority": "high|medium|low", "actionable": true}]`)
	return b.String()
}
