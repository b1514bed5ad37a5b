// Package config centralizes how mediaguard reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/dharsanguruparan/mediaguard/internal/signing"
)

// ErrSecretRequired is returned when no signing secret is configured and
// ephemeral secrets were not explicitly allowed.
var ErrSecretRequired = errors.New("MEDIAGUARD_SECRET must be set (or MEDIAGUARD_ALLOW_EPHEMERAL_SECRET=true)")

// Config represents runtime configuration for the service.
type Config struct {
	Address         string `validate:"required"`
	ProtectedPrefix string `validate:"required,startswith=/"`
	ConfigFile      string
	LogLevel        string `validate:"omitempty,oneof=debug info warn error"`
	LogFormat       string `validate:"omitempty,oneof=text json"`
	EphemeralSecret bool
	SecretGenerated bool
	Protection      Protection
	SessionSecret   []byte
	SessionCookie   string   `validate:"required"`
	PrivilegedRoles []string `validate:"min=1,dive,required"`
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int `validate:"gte=0"`
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Region        string
	S3UseSSL        bool
	OriginBucket    string `validate:"required"`
	RenditionBucket string `validate:"required"`
	RenderCacheSize int    `validate:"gt=0"`
	ProcessingPool  int    `validate:"gt=0"`
	MaxUploadSize   int64  `validate:"gt=0"`

	// MemoryRenditions caps renditions kept when no object storage is set.
	MemoryRenditions int `validate:"gt=0"`
}

// Protection is the secret material used to sign and verify media URLs. A
// Protection value is treated as immutable once published through a Store.
type Protection struct {
	Secret    []byte
	Algorithm signing.Algorithm
}

// Signer returns a signing.Signer bound to this snapshot.
func (p Protection) Signer() signing.Signer {
	return signing.NewSigner(p.Secret, p.Algorithm)
}

const (
	defaultAddress         = ":8080"
	defaultPrefix          = "/media"
	defaultSessionCookie   = "mediaguard_session"
	defaultPrivilegedRoles = "admin"
	defaultOriginBucket    = "media-originals"
	defaultRenditionBucket = "media-renditions"
	defaultRenderCacheSize = 256
	defaultWorkerCount     = 2
	defaultMaxUploadSize   = 20 << 20
)

const defaultMemoryRenditions = 1024

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Load reads configuration from environment variables falling back to
// defaults. When MEDIAGUARD_CONFIG_FILE names a file, its mediaProtection
// section overrides the environment secret and hash mode.
func Load() (*Config, error) {
	alg, err := signing.ParseAlgorithm(readEnv("MEDIAGUARD_HMAC_HASH_MODE", ""))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Address:         readEnv("MEDIAGUARD_ADDRESS", defaultAddress),
		ProtectedPrefix: normalizePrefix(readEnv("MEDIAGUARD_PROTECTED_PREFIX", defaultPrefix)),
		ConfigFile:      readEnv("MEDIAGUARD_CONFIG_FILE", ""),
		LogLevel:        strings.ToLower(readEnv("MEDIAGUARD_LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(readEnv("MEDIAGUARD_LOG_FORMAT", "text")),
		EphemeralSecret: parseBool("MEDIAGUARD_ALLOW_EPHEMERAL_SECRET", false),
		Protection: Protection{
			Secret:    parseSecret("MEDIAGUARD_SECRET"),
			Algorithm: alg,
		},
		SessionSecret:   parseSecret("MEDIAGUARD_SESSION_SECRET"),
		SessionCookie:   readEnv("MEDIAGUARD_SESSION_COOKIE", defaultSessionCookie),
		PrivilegedRoles: parseList("MEDIAGUARD_PRIVILEGED_ROLES", defaultPrivilegedRoles),
		DatabaseURL:     readEnv("MEDIAGUARD_DATABASE_URL", ""),
		RedisAddr:       readEnv("MEDIAGUARD_REDIS_ADDR", ""),
		RedisPassword:   readEnv("MEDIAGUARD_REDIS_PASSWORD", ""),
		RedisDB:         parseInt("MEDIAGUARD_REDIS_DB", 0),
		S3Endpoint:      readEnv("MEDIAGUARD_S3_ENDPOINT", ""),
		S3AccessKey:     readEnv("MEDIAGUARD_S3_ACCESS_KEY", ""),
		S3SecretKey:     readEnv("MEDIAGUARD_S3_SECRET_KEY", ""),
		S3Region:        readEnv("MEDIAGUARD_S3_REGION", "us-east-1"),
		S3UseSSL:        parseBool("MEDIAGUARD_S3_USE_SSL", false),
		OriginBucket:    readEnv("MEDIAGUARD_ORIGIN_BUCKET", defaultOriginBucket),
		RenditionBucket: readEnv("MEDIAGUARD_RENDITION_BUCKET", defaultRenditionBucket),
		RenderCacheSize: parseInt("MEDIAGUARD_RENDER_CACHE_SIZE", defaultRenderCacheSize),
		ProcessingPool:  parseInt("MEDIAGUARD_WORKERS", defaultWorkerCount),
		MaxUploadSize:   parseInt64("MEDIAGUARD_MAX_UPLOAD_BYTES", defaultMaxUploadSize),

		MemoryRenditions: parseInt("MEDIAGUARD_MEMORY_RENDITIONS", defaultMemoryRenditions),
	}
	if cfg.ConfigFile != "" {
		p, err := ReadProtectionFile(cfg.ConfigFile, cfg.Protection)
		if err != nil {
			return nil, err
		}
		cfg.Protection = p
	}
	if len(cfg.Protection.Secret) == 0 {
		if !cfg.EphemeralSecret {
			return nil, ErrSecretRequired
		}
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Protection.Secret = secret
		cfg.SecretGenerated = true
	}
	if cfg.RenderCacheSize <= 0 {
		cfg.RenderCacheSize = defaultRenderCacheSize
	}
	if cfg.MemoryRenditions <= 0 {
		cfg.MemoryRenditions = defaultMemoryRenditions
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Protection.Algorithm.Valid() {
		return fmt.Errorf("invalid config: %w: %q", signing.ErrUnknownAlgorithm, c.Protection.Algorithm)
	}
	return nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return buf, nil
}
