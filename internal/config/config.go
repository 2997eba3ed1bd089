package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 支持的元数据存储驱动。
const (
	MetadataPostgres = "postgres"
	MetadataMongo    = "mongo"
	MetadataMemory   = "memory"
)

// 支持的内容存储驱动。
const (
	StoragePinata = "pinata"
	StorageS3     = "s3"
	StorageLocal  = "local"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	Env                   string
	ServiceName           string
	HTTPPort              string
	PublicBaseURL         string
	CORSAllowedOrigins    []string
	RateLimitRequests     int
	RateLimitWindow       time.Duration
	AuthRateLimitRequests int
	MaxUploadBytes        int64

	// 日志与追踪
	LogLevel     string
	LogFormat    string
	OTelEndpoint string

	// 元数据存储
	MetadataDriver string
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	MongoURI       string
	MongoDatabase  string
	AutoMigrate    bool

	// PostgreSQL 连接池
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// 内容存储
	StorageDriver    string // "pinata"、"s3" 或 "local"
	StorageDir       string
	PinataJWT        string
	PinataAPIURL     string
	PinataGatewayURL string
	S3Endpoint       string // S3/MinIO 端点，不含协议
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3Region         string
	S3UseSSL         bool

	// 静态加密主密钥，为空表示不加密
	EncryptionKey []byte

	// 鉴权配置
	JWTSecret string
	JWTTTL    time.Duration
	JWKSURL   string

	// JWKSAPIKey 访问 JWKS 端点时以 apikey 请求头发送
	JWKSAPIKey string

	// AI 标注
	AIAPIKey      string
	AIBaseURL     string
	AIModel       string
	AIBatchSize   int
	AIBatchDelay  time.Duration
	AICacheTTL    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// 对账任务
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
}

// Load 从环境变量加载配置（先尝试读取 .env），并提供默认值。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Env:              envOrDefault("APP_ENV", "development"),
		ServiceName:      envOrDefault("SERVICE_NAME", "decendata"),
		HTTPPort:         envOrDefault("PORT", "8080"),
		PublicBaseURL:    strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		OTelEndpoint:     os.Getenv("OTEL_EXPORTER_ENDPOINT"),
		MetadataDriver:   strings.ToLower(envOrDefault("METADATA_DRIVER", MetadataPostgres)),
		DBHost:           envOrDefault("DB_HOST", "127.0.0.1"),
		DBUser:           envOrDefault("DB_USER", "decendata"),
		DBPassword:       envOrDefault("DB_PASSWORD", "decendata"),
		DBName:           envOrDefault("DB_NAME", "decendata"),
		DBSSLMode:        envOrDefault("DB_SSL_MODE", "disable"),
		MongoURI:         envOrDefault("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:    envOrDefault("MONGODB_DATABASE", "decendata"),
		AutoMigrate:      parseBoolEnv("AUTO_MIGRATE", false),
		StorageDriver:    strings.ToLower(envOrDefault("STORAGE_DRIVER", StorageLocal)),
		StorageDir:       envOrDefault("STORAGE_DIR", "./data"),
		PinataJWT:        os.Getenv("PINATA_JWT"),
		PinataAPIURL:     envOrDefault("PINATA_API_URL", "https://api.pinata.cloud"),
		PinataGatewayURL: envOrDefault("PINATA_GATEWAY_URL", "https://gateway.pinata.cloud"),
		S3Endpoint:       envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:      envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         envOrDefault("S3_BUCKET", "decendata"),
		S3Region:         envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:         parseBoolEnv("S3_USE_SSL", false),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWKSURL:          os.Getenv("JWKS_URL"),
		JWKSAPIKey:       os.Getenv("JWKS_API_KEY"),
		AIAPIKey:         os.Getenv("AI_API_KEY"),
		AIBaseURL:        envOrDefault("AI_BASE_URL", "https://api.perplexity.ai"),
		AIModel:          envOrDefault("AI_MODEL", "llama-3.1-sonar-small-128k-online"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	cfg.CORSAllowedOrigins = parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"http://localhost:5173"}
	}

	var err error
	if cfg.RateLimitRequests, err = parseIntEnv("RATE_LIMIT_REQUESTS", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = parseDurationEnv("RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthRateLimitRequests, err = parseIntEnv("AUTH_RATE_LIMIT_REQUESTS", 5); err != nil {
		return nil, err
	}
	maxUpload, err := parseIntEnv("MAX_UPLOAD_BYTES", 100*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	if cfg.DBPort, err = parseIntEnv("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = parseIntEnv("DB_MAX_OPEN_CONNS", 15); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = parseNonNegativeIntEnv("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.DBConnMaxLifetime, err = parseDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = parseDurationEnv("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AIBatchSize, err = parseIntEnv("AI_BATCH_SIZE", 3); err != nil {
		return nil, err
	}
	if cfg.AIBatchDelay, err = parseDurationEnv("AI_BATCH_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.AICacheTTL, err = parseDurationEnv("AI_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = parseNonNegativeIntEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = parseOptionalDurationEnv("RECONCILE_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.ReconcileGrace, err = parseDurationEnv("RECONCILE_GRACE", time.Hour); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 ENCRYPTION_KEY 失败: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		// 开发环境默认密钥
		cfg.JWTSecret = "dev-jwt-secret-change-me"
	}

	if cfg.StorageDriver == StorageLocal {
		if err := ensureDir(cfg.StorageDir); err != nil {
			return nil, fmt.Errorf("确保存储目录失败: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置组合是否可用。
func (c *Config) Validate() error {
	switch c.MetadataDriver {
	case MetadataPostgres, MetadataMongo, MetadataMemory:
	default:
		return fmt.Errorf("unknown METADATA_DRIVER %q", c.MetadataDriver)
	}

	switch c.StorageDriver {
	case StorageLocal, StorageS3:
	case StoragePinata:
		if c.PinataJWT == "" {
			return fmt.Errorf("PINATA_JWT is required for the pinata storage driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes hex-encoded, got %d bytes", len(c.EncryptionKey))
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when APP_ENV=%s", c.Env)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.MetadataDriver == MetadataPostgres && c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) exceeds DB_MAX_OPEN_CONNS (%d)", c.DBMaxIdleConns, c.DBMaxOpenConns)
	}
	return nil
}

// IsDevelopment 判断是否处于开发环境。
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "test"
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseNonNegativeIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value < 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

// parseOptionalDurationEnv 未设置或非正数时返回 0，表示关闭。
func parseOptionalDurationEnv(key string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value < 0 {
		return 0, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
