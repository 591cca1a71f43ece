package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"roombook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Rooms      []models.Room    `yaml:"rooms"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Google     GoogleConfig     `yaml:"google"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// LockTTL is the lease of a room lock, e.g. "10s".
	LockTTL string `yaml:"lock_ttl"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

// APIGRPCConfig configures the availability gRPC server. Port 0 disables it.
type APIGRPCConfig struct {
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
	JWT          JWTConfig      `yaml:"jwt"`
}

// APIClientKey binds a static key pair to a caller identity.
type APIClientKey struct {
	Key      string `yaml:"key"`
	Extra    string `yaml:"extra"`
	Name     string `yaml:"name"`
	CallerID int64  `yaml:"caller_id"`
	Role     string `yaml:"role"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BookingConfig struct {
	Timezone       string `yaml:"timezone"`
	MaxAdvanceDays int    `yaml:"max_advance_days"`
}

// Location resolves Timezone, falling back to UTC.
func (b BookingConfig) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
	// AdminChatIDs receive new pending requests.
	AdminChatIDs []int64 `yaml:"admin_chat_ids"`
	// UserChats maps requester ids to chat ids for status updates.
	UserChats map[int64]int64 `yaml:"user_chats"`
	// ReminderTime is the local "HH:MM" at which owners are reminded of
	// the next day's approved reservations. Empty disables reminders.
	ReminderTime string `yaml:"reminder_time"`
}

// GoogleConfig points the reservation mirror at a spreadsheet.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

func (g GoogleConfig) Enabled() bool {
	return g.CredentialsFile != "" && g.SpreadsheetID != ""
}

func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.BotToken != "YOUR_BOT_TOKEN_HERE"
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Booking.Timezone != "" {
		if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
			return fmt.Errorf("invalid booking timezone %q: %w", c.Booking.Timezone, err)
		}
	}

	if c.Telegram.ReminderTime != "" {
		if _, err := time.Parse("15:04", c.Telegram.ReminderTime); err != nil {
			return fmt.Errorf("invalid telegram reminder_time %q: expected HH:MM", c.Telegram.ReminderTime)
		}
	}

	if tls := c.API.GRPC.TLS; c.API.GRPC.Port > 0 && tls.Enabled {
		if tls.CertFile == "" || tls.KeyFile == "" {
			return errors.New("grpc tls enabled but cert_file/key_file not set")
		}
		if tls.RequireClientCert && tls.ClientCAFile == "" {
			return errors.New("grpc tls require_client_cert=true but client_ca_file not set")
		}
	}

	if c.Redis.LockTTL != "" {
		if _, err := time.ParseDuration(c.Redis.LockTTL); err != nil {
			return fmt.Errorf("invalid redis lock_ttl %q: %w", c.Redis.LockTTL, err)
		}
	}

	if err := ValidateAPIKeys(c.API.Auth.APIKeys); err != nil {
		return err
	}

	return ValidateRooms(c.Rooms)
}

func ValidateRooms(rooms []models.Room) error {
	roomIDs := make(map[string]bool)
	for _, room := range rooms {
		id := strings.TrimSpace(room.ID)
		if id == "" {
			return fmt.Errorf("room '%s' has an empty id", room.Name)
		}
		if roomIDs[id] {
			return fmt.Errorf("duplicate room id found: %s", id)
		}
		roomIDs[id] = true
	}
	return nil
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" || k.Extra == "" {
			return fmt.Errorf("api key '%s' requires key and extra", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for '%s'", k.Name)
		}
		seen[k.Key] = true
		if _, err := models.ParseRole(k.Role); err != nil {
			return fmt.Errorf("api key '%s': %w", k.Name, err)
		}
	}
	return nil
}

// RoomPointers returns the configured rooms as the directory expects them.
func (c *Config) RoomPointers() []*models.Room {
	out := make([]*models.Room, len(c.Rooms))
	for i := range c.Rooms {
		out[i] = &c.Rooms[i]
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "roombook"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Booking.MaxAdvanceDays == 0 {
		c.Booking.MaxAdvanceDays = models.DefaultMaxAdvanceDays
	}
	if c.Redis.LockTTL == "" {
		c.Redis.LockTTL = models.DefaultLockTTL.String()
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Google.SheetName == "" {
		c.Google.SheetName = "Reservations"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
