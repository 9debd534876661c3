package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when STORE_CLASSIFIER_CONFIG is unset.
const DefaultPath = "config.yaml"

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		Title           string        `yaml:"title"`
	} `yaml:"server"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Model ModelConfig `yaml:"model"`

	Upload struct {
		TempDir           string   `yaml:"temp_dir"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"upload"`

	Cache struct {
		RedisAddr string        `yaml:"redis_addr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`
}

// ModelConfig describes where the classifier lives and what it expects.
type ModelConfig struct {
	Path          string   `yaml:"path"`
	SharedLibrary string   `yaml:"shared_library"`
	InputName     string   `yaml:"input_name"`
	OutputName    string   `yaml:"output_name"`
	ImageSize     int      `yaml:"image_size"`
	Classes       []string `yaml:"classes"`
	RemoteAddr    string   `yaml:"remote_addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.Title = "Classificador de Lojas - Renner"
	cfg.Log.Level = "info"
	cfg.Model = ModelConfig{
		Path:       "models/modelo_renner.onnx",
		InputName:  "input",
		OutputName: "output",
		ImageSize:  224,
		Classes:    []string{"RE", "Itaguacu"},
	}
	cfg.Upload.AllowedExtensions = []string{"jpg", "jpeg", "png", "webp"}
	cfg.Cache.TTL = 10 * time.Minute
	return cfg
}

// Load reads .env (if any), the YAML file at path (if it exists) and then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = getEnv("STORE_CLASSIFIER_CONFIG", DefaultPath)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("HTTP_ADDR", cfg.Server.Addr)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.GRPC.Addr = getEnv("GRPC_ADDR", cfg.GRPC.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Model.Path = getEnv("MODEL_PATH", cfg.Model.Path)
	cfg.Model.SharedLibrary = getEnv("ONNXRUNTIME_LIB", cfg.Model.SharedLibrary)
	cfg.Model.RemoteAddr = getEnv("MODEL_REMOTE_ADDR", cfg.Model.RemoteAddr)
	if classes := os.Getenv("MODEL_CLASSES"); classes != "" {
		cfg.Model.Classes = splitList(classes)
	}
	if size, err := strconv.Atoi(os.Getenv("MODEL_IMAGE_SIZE")); err == nil {
		cfg.Model.ImageSize = size
	}
	cfg.Upload.TempDir = getEnv("UPLOAD_TEMP_DIR", cfg.Upload.TempDir)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTAudience = getEnv("JWT_AUDIENCE", cfg.Auth.JWTAudience)
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model.Path) == "" && c.Model.RemoteAddr == "" {
		return errors.New("config: model.path or model.remote_addr is required")
	}
	if c.Model.ImageSize <= 0 {
		return fmt.Errorf("config: model.image_size must be positive, got %d", c.Model.ImageSize)
	}
	if len(c.Model.Classes) == 0 {
		return errors.New("config: model.classes must not be empty")
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return errors.New("config: upload.allowed_extensions must not be empty")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
