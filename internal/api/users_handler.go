package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"decendata/internal/middleware"
	"decendata/internal/repository"
	"decendata/internal/service"
)

// UserHandler 提供注册、登录与个人资料端点。
type UserHandler struct {
	service *service.UserService
}

func NewUserHandler(s *service.UserService) *UserHandler {
	return &UserHandler{service: s}
}

// RegisterAuthRoutes 注册匿名可用的认证端点，调用方负责挂载限流。
func (h *UserHandler) RegisterAuthRoutes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
}

// RegisterRoutes 注册需要登录的用户端点。
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users/me", h.Me)
	r.Patch("/users/me", h.UpdateProfile)
	r.Put("/users/me/wallet", h.SetWallet)
	r.Get("/users/me/stats", h.Stats)
	r.Get("/users/me/dashboard", h.Dashboard)
	r.Get("/users/search", h.Search)
	r.Get("/users/sharing-stats", h.SharingStats)
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,max=72"`
}

// Register 创建账户。
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	user, err := h.service.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login 校验凭据并签发令牌。
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// Me 返回当前用户。
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

type preferencesRequest struct {
	AIAnalysisEnabled    *bool             `json:"ai_analysis_enabled"`
	AutoEncryptSensitive *bool             `json:"auto_encrypt_sensitive"`
	ShareNotifications   *bool             `json:"share_notifications"`
	Theme                *repository.Theme `json:"theme" validate:"omitempty,oneof=light dark auto"`
}

type profileRequest struct {
	Name        *string             `json:"name" validate:"omitempty,min=1,max=100"`
	Preferences *preferencesRequest `json:"preferences"`
}

// UpdateProfile 修改姓名或偏好。
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	in := service.ProfileInput{Name: req.Name}
	if p := req.Preferences; p != nil {
		in.Preferences = &service.PreferencesInput{
			AIAnalysisEnabled:    p.AIAnalysisEnabled,
			AutoEncryptSensitive: p.AutoEncryptSensitive,
			ShareNotifications:   p.ShareNotifications,
			Theme:                p.Theme,
		}
	}
	user, err := h.service.UpdateProfile(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

type walletRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// SetWallet 绑定或解绑钱包地址。
func (h *UserHandler) SetWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	user, err := h.service.SetWallet(r.Context(), middleware.GetUserID(r.Context()), req.WalletAddress)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

// Stats 返回存储用量。
func (h *UserHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// Dashboard 返回实时计算的概览。
func (h *UserHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Dashboard(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

// Search 按邮箱或姓名查找可分享的用户。
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query().Get("q")
	users, err := h.service.SearchUsers(r.Context(), middleware.GetUserID(r.Context()), q, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"users":         users,
		"search_term":   q,
		"total_results": len(users),
	})
}

// SharingStats 返回分享关系统计。
func (h *UserHandler) SharingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.SharingStats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}
