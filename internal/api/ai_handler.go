package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"decendata/internal/annotation"
	"decendata/internal/middleware"
)

// AIHandler 暴露标注、搜索与文件库建议。
type AIHandler struct {
	annotator *annotation.Annotator
}

func NewAIHandler(a *annotation.Annotator) *AIHandler {
	return &AIHandler{annotator: a}
}

// RegisterRoutes 注册需要登录的 AI 端点。
func (h *AIHandler) RegisterRoutes(r chi.Router) {
	r.Post("/ai/analyze/{id}", h.Analyze)
	r.Post("/ai/batch", h.BatchAnalyze)
	r.Post("/ai/search", h.Search)
	r.Get("/ai/insights", h.Insights)
	r.Delete("/ai/cache", h.ClearCache)
}

// Analyze 为单个文件生成标注，type 取 general 或 security。
func (h *AIHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	result, err := h.annotator.Analyze(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), r.URL.Query().Get("type"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

type batchRequest struct {
	FileIDs []string `json:"file_ids" validate:"required,min=1"`
	Type    string   `json:"type"`
}

// BatchAnalyze 分组处理多个文件，单个失败不影响其余结果。
func (h *AIHandler) BatchAnalyze(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	items, err := h.annotator.BatchAnalyze(r.Context(), middleware.GetUserID(r.Context()), req.FileIDs, req.Type)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	failed := 0
	for _, it := range items {
		if it.Error != "" {
			failed++
		}
	}
	writeData(w, http.StatusOK, map[string]any{
		"results":   items,
		"total":     len(items),
		"succeeded": len(items) - failed,
		"failed":    failed,
	})
}

type searchRequest struct {
	Query         string `json:"query" validate:"required,max=500"`
	IncludePublic bool   `json:"include_public"`
	Limit         int    `json:"limit" validate:"gte=0,lte=50"`
}

// Search 在 caller 可见的文件中做自然语言搜索。
func (h *AIHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp, err := h.annotator.Search(r.Context(), middleware.GetUserID(r.Context()), annotation.SearchInput{
		Query:         req.Query,
		IncludePublic: req.IncludePublic,
		Limit:         req.Limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

// Insights 返回文件库层面的建议。
func (h *AIHandler) Insights(w http.ResponseWriter, r *http.Request) {
	resp, err := h.annotator.Insights(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

// ClearCache 清除当前用户文件的标注缓存。
func (h *AIHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.annotator.ClearCache(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"cleared": true, "files": n})
}
