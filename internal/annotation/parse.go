package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"decendata/internal/repository"
)

// ErrNoJSON 表示模型回复中找不到 JSON。
var ErrNoJSON = errors.New("no JSON found in completion")

var (
	jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)
	jsonArrayPattern  = regexp.MustCompile(`\[[\s\S]*\]`)
)

type annotationPayload struct {
	Summary         string   `json:"summary"`
	Tags            []string `json:"tags"`
	Category        string   `json:"category"`
	Sensitivity     string   `json:"sensitivity"`
	RiskLevel       string   `json:"riskLevel"`
	RiskLevelSnake  string   `json:"risk_level"`
	Insights        []string `json:"insights"`
	Concerns        []string `json:"concerns"`
	Recommendations []string `json:"recommendations"`
}

// ParseAnnotationResponse 从自由文本中提取第一个 JSON 对象并转换为标注。
func ParseAnnotationResponse(text string) (repository.Annotation, error) {
	raw := jsonObjectPattern.FindString(text)
	if raw == "" {
		return repository.Annotation{}, ErrNoJSON
	}

	var p annotationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return repository.Annotation{}, fmt.Errorf("decode annotation: %w", err)
	}

	risk := p.RiskLevel
	if risk == "" {
		risk = p.RiskLevelSnake
	}
	return repository.Annotation{
		Summary:         strings.TrimSpace(p.Summary),
		Tags:            cleanList(p.Tags, 10),
		Category:        strings.ToLower(strings.TrimSpace(p.Category)),
		Sensitivity:     normalizeLevel(p.Sensitivity),
		RiskLevel:       normalizeLevel(risk),
		Insights:        cleanList(append(p.Insights, p.Concerns...), 10),
		Recommendations: cleanList(p.Recommendations, maxRecommendations),
	}, nil
}

// RankedResult 是模型给出的一条搜索排序结果。
type RankedResult struct {
	ID        string  `json:"id"`
	Relevance float64 `json:"relevance"`
	Reason    string  `json:"reason"`
}

// ParseRankedResults 提取回复中的 JSON 数组。
func ParseRankedResults(text string) ([]RankedResult, error) {
	var out []RankedResult
	if err := decodeArray(text, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Insight 是一条面向文件库的建议。
type Insight struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Actionable  bool   `json:"actionable"`
}

// ParseInsights 提取回复中的建议数组。
func ParseInsights(text string) ([]Insight, error) {
	var out []Insight
	if err := decodeArray(text, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Priority = normalizeLevel(out[i].Priority)
	}
	return out, nil
}

func decodeArray(text string, v any) error {
	raw := jsonArrayPattern.FindString(text)
	if raw == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode array: %w", err)
	}
	return nil
}

// normalizeLevel 将取值规范为 low/medium/high，无法识别时返回空字符串。
func normalizeLevel(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "low", "medium", "high":
		return v
	case "moderate":
		return "medium"
	case "critical":
		return "high"
	}
	return ""
}

func cleanList(in []string, max int) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}
