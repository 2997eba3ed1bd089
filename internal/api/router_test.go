package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"decendata/internal/annotation"
	"decendata/internal/config"
	"decendata/internal/middleware"
	"decendata/internal/repository/memory"
	"decendata/internal/service"
	"decendata/internal/storage/local"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	files   *memory.FileRepository
}

func newTestServer(t *testing.T, opts ...service.FileOption) *testServer {
	t.Helper()

	files := memory.NewFileRepository()
	users := memory.NewUserRepository()
	blobs, err := local.New(t.TempDir())
	require.NoError(t, err)

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{Secret: "test-secret", TTL: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	fileSvc := service.NewFileService(files, users, blobs, opts...)
	userSvc := service.NewUserService(users, files, auth, service.WithBcryptCost(bcrypt.MinCost))
	annotator := annotation.NewAnnotator(files, users, fileSvc, annotation.WithCache(annotation.NewMemoryCache(time.Minute)))
	fileSvc.AddObserver(annotator)

	cfg := &config.Config{CORSAllowedOrigins: []string{"*"}}
	h := NewRouter(cfg, zerolog.Nop(), auth, Handlers{
		Files: NewFileHandler(fileSvc, "https://files.example.com"),
		Users: NewUserHandler(userSvc),
		AI:    NewAIHandler(annotator),
	})
	return &testServer{t: t, handler: h, files: files}
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) json(method, path, token string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, token)
}

// signup 注册并登录，返回令牌与用户 ID。
func (s *testServer) signup(email string) (string, string) {
	s.t.Helper()
	rec := s.json(http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "name": "Test User", "password": "hunter22",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.json(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "password": "hunter22",
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decodeData(s.t, rec, &out)
	require.NotEmpty(s.t, out.Token)
	return out.Token, out.User.ID
}

func (s *testServer) upload(token, name string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	return s.do(newMultipartRequest(s.t, http.MethodPost, "/api/files", fields, name, content), token)
}

func newMultipartRequest(t *testing.T, method, path string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

type fileBody struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	Visibility  string `json:"visibility"`
	DownloadURL string `json:"download_url"`
}

func TestRouter_HealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "decendata_http_requests_total")
}

func TestRouter_UploadDownloadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token, userID := s.signup("owner@example.com")

	rec := s.upload(token, "hello.txt", []byte("hello world"), map[string]string{
		"description": "greeting",
		"tags":        `["docs","hello"]`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created fileBody
	decodeData(t, rec, &created)
	assert.Equal(t, userID, created.OwnerID)
	assert.Equal(t, "hello.txt", created.DisplayName)
	assert.EqualValues(t, 11, created.Size)
	assert.Equal(t, "private", created.Visibility)
	assert.Equal(t, "https://files.example.com/api/files/"+created.ID+"/download", created.DownloadURL)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+created.ID+"/download", nil), token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "hello.txt")

	stored, err := s.files.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Stats.DownloadCount)
	assert.Equal(t, []string{"docs", "hello"}, stored.Metadata.Tags)
}

func TestRouter_PrivateFileAccess(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup("owner@example.com")
	stranger, _ := s.signup("stranger@example.com")

	rec := s.upload(owner, "notes.txt", []byte("private notes"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var f fileBody
	decodeData(t, rec, &f)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"invalid token treated as anonymous", "not-a-jwt", http.StatusUnauthorized},
		{"stranger", stranger, http.StatusForbidden},
		{"owner", owner, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID, nil), tt.token)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/does-not-exist", nil), owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_PublicFileAnonymousDownload(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup("owner@example.com")

	rec := s.upload(owner, "poster.txt", []byte("public poster"), map[string]string{"visibility": "public"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var f fileBody
	decodeData(t, rec, &f)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID+"/download", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public poster", rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/public", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []fileBody `json:"items"`
		Total int        `json:"total"`
	}
	decodeData(t, rec, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, f.ID, page.Items[0].ID)
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.upload("", "a.txt", []byte("a"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="DecenData API"`, rec.Header().Get("WWW-Authenticate"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/me", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_ShareWorkflow(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup("owner@example.com")
	friend, friendID := s.signup("friend@example.com")

	rec := s.upload(owner, "plan.txt", []byte("the plan"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var f fileBody
	decodeData(t, rec, &f)

	rec = s.json(http.MethodPost, "/api/files/"+f.ID+"/shares", owner, map[string]string{
		"email":      "friend@example.com",
		"permission": "download",
		"expires_in": "7d",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var share struct {
		RecipientID string `json:"recipient_id"`
		Status      string `json:"status"`
	}
	decodeData(t, rec, &share)
	assert.Equal(t, friendID, share.RecipientID)
	assert.Equal(t, "pending", share.Status)

	// 重复邀请
	rec = s.json(http.MethodPost, "/api/files/"+f.ID+"/shares", owner, map[string]string{"recipient": "friend@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 接受前无权访问
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID+"/download", nil), friend)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/invitations", nil), friend)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.ID)

	rec = s.json(http.MethodPatch, "/api/files/"+f.ID+"/shares/maybe", friend, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.json(http.MethodPatch, "/api/files/"+f.ID+"/shares/accept", friend, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID+"/download", nil), friend)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the plan", rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/shared-with-me", nil), friend)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.ID)

	// 仅所有者可修改
	rec = s.json(http.MethodPatch, "/api/files/"+f.ID, friend, map[string]string{"description": "mine now"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/files/"+f.ID+"/shares/"+friendID, nil), owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID+"/download", nil), friend)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_UserSearchAndSharingStats(t *testing.T) {
	s := newTestServer(t)
	owner, ownerID := s.signup("owner@example.com")
	friend, friendID := s.signup("friend@example.com")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/users/search?q=test+user", nil), owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found struct {
		Users []struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"users"`
		SearchTerm   string `json:"search_term"`
		TotalResults int    `json:"total_results"`
	}
	decodeData(t, rec, &found)
	require.Len(t, found.Users, 1)
	assert.Equal(t, friendID, found.Users[0].ID)
	assert.Equal(t, "test user", found.SearchTerm)
	assert.Equal(t, 1, found.TotalResults)
	assert.NotContains(t, rec.Body.String(), ownerID)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/search?q=f", nil), owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/search?q=friend&limit=x", nil), owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/search?q=friend", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.upload(owner, "plan.txt", []byte("the plan"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var f fileBody
	decodeData(t, rec, &f)
	rec = s.json(http.MethodPost, "/api/files/"+f.ID+"/shares", owner, map[string]string{"email": "friend@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.json(http.MethodPatch, "/api/files/"+f.ID+"/shares/accept", friend, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/sharing-stats", nil), owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats struct {
		SharedByMe       int `json:"shared_by_me"`
		UniqueRecipients int `json:"unique_recipients"`
		TopPartners      []struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
			FilesShared int `json:"files_shared"`
		} `json:"top_partners"`
	}
	decodeData(t, rec, &stats)
	assert.Equal(t, 1, stats.SharedByMe)
	assert.Equal(t, 1, stats.UniqueRecipients)
	require.Len(t, stats.TopPartners, 1)
	assert.Equal(t, friendID, stats.TopPartners[0].User.ID)
	assert.Equal(t, 1, stats.TopPartners[0].FilesShared)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/sharing-stats", nil), friend)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"shared_with_me":1`)
}

func TestRouter_UpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup("owner@example.com")

	rec := s.upload(owner, "draft.txt", []byte("draft"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var f fileBody
	decodeData(t, rec, &f)

	rec = s.json(http.MethodPatch, "/api/files/"+f.ID, owner, map[string]any{
		"description": "final",
		"is_public":   true,
		"status":      "archived",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated fileBody
	decodeData(t, rec, &updated)
	assert.Equal(t, "public", updated.Visibility)

	rec = s.json(http.MethodPatch, "/api/files/"+f.ID, owner, map[string]any{"owner_id": "someone"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.json(http.MethodPatch, "/api/files/"+f.ID, owner, map[string]any{"status": "deleted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "status")

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID+"/analytics", nil), owner)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/files/"+f.ID, nil), owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/"+f.ID, nil), owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_UploadValidation(t *testing.T) {
	s := newTestServer(t, service.WithMaxUploadBytes(8))
	owner, _ := s.signup("owner@example.com")

	rec := s.do(newMultipartRequest(t, http.MethodPost, "/api/files", map[string]string{"description": "x"}, "", nil), owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file field is required", errorMessage(t, rec))

	rec = s.upload(owner, "big.txt", []byte("more than eight bytes"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec = s.do(req, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteUploadError_TooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/files", nil)
	writeUploadError(rec, req, &http.MaxBytesError{Limit: 10}, 10)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "size limit")
}

func TestRouter_UserProfile(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signup("me@example.com")

	rec := s.json(http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "me@example.com", "name": "Again", "password": "hunter22",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.json(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "me@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.json(http.MethodPatch, "/api/users/me", token, map[string]any{
		"name":        "Renamed",
		"preferences": map[string]any{"theme": "dark"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"theme":"dark"`)

	rec = s.json(http.MethodPut, "/api/users/me/wallet", token, map[string]string{"wallet_address": "0x123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.json(http.MethodPut, "/api/users/me/wallet", token, map[string]string{
		"wallet_address": "0x52908400098527886E0F7030069857D2E4169EE7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "0x52908400098527886e0f7030069857d2e4169ee7")

	require.Equal(t, http.StatusCreated, s.upload(token, "a.txt", []byte("abc"), nil).Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/me/stats", nil), token)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		TotalFiles int64 `json:"total_files"`
		TotalSize  int64 `json:"total_size"`
	}
	decodeData(t, rec, &stats)
	assert.EqualValues(t, 1, stats.TotalFiles)
	assert.EqualValues(t, 3, stats.TotalSize)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/users/me/dashboard", nil), token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_files":1`)
}

func TestRouter_AIEndpoints(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup("owner@example.com")

	rec := s.upload(owner, "wallet-seed.txt", []byte("words"), map[string]string{"tags": "crypto,backup"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var f fileBody
	decodeData(t, rec, &f)

	rec = s.json(http.MethodPost, "/api/ai/analyze/"+f.ID+"?type=security", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result annotation.Result
	decodeData(t, rec, &result)
	assert.Equal(t, annotation.KindSecurity, result.Annotation.Kind)
	assert.Equal(t, annotation.SourceHeuristic, result.Annotation.Source)

	rec = s.json(http.MethodPost, "/api/ai/analyze/"+f.ID+"?type=poetry", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.json(http.MethodPost, "/api/ai/batch", owner, map[string]any{"file_ids": []string{f.ID, "missing"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	decodeData(t, rec, &batch)
	assert.Equal(t, 2, batch.Total)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)

	rec = s.json(http.MethodPost, "/api/ai/search", owner, map[string]any{"query": "seed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var search annotation.SearchResponse
	decodeData(t, rec, &search)
	require.Len(t, search.Results, 1)
	assert.Equal(t, f.ID, search.Results[0].File.ID)

	rec = s.json(http.MethodPost, "/api/ai/search", owner, map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/ai/insights", nil), owner)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/ai/cache", nil), owner)
	assert.Equal(t, http.StatusOK, rec.Code)
}
