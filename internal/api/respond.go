package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"decendata/internal/service"
)

const maxJSONBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}

// statusFor 将服务层错误类别映射为 HTTP 状态码。
func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindUnauthenticated:
		return http.StatusUnauthorized
	case service.KindConflict:
		return http.StatusConflict
	case service.KindUpstreamFailure:
		return http.StatusBadGateway
	case service.KindValidationFailure:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeServiceError 输出服务层错误；未分类错误只返回通用信息并记录原因。
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.Error
	if errors.As(err, &se) {
		status := statusFor(se.Kind)
		if status >= http.StatusInternalServerError {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("kind", string(se.Kind)).Msg("request failed")
		}
		writeError(w, status, se.Message)
		return
	}
	zerolog.Ctx(r.Context()).Error().Err(err).Msg("unexpected error")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON 解码请求体，拒绝未知字段，并使用 validator 校验结构体标签。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return service.Invalid("request body is empty")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return service.Invalid("request body is empty")
		case errors.As(err, &maxErr):
			return service.Invalid("request body is too large")
		default:
			return service.Invalidf("invalid request body: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return service.Invalidf("invalid request: %v", err)
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return service.Invalidf("%s is required", field)
	case "email":
		return service.Invalidf("%s must be a valid email address", field)
	case "min":
		return service.Invalidf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return service.Invalidf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return service.Invalidf("%s must be one of: %s", field, fe.Param())
	}
	return service.Invalidf("%s is invalid", field)
}

func init() {
	// 校验错误使用 json 字段名
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// queryInt 读取可选的整数查询参数。
func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, service.Invalidf("%s must be an integer", key)
	}
	return n, nil
}

// splitList 支持 JSON 数组或逗号分隔的字符串。
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// contentDisposition 生成下载头，非 ASCII 文件名按 RFC 2231 编码。
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
