package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"roombook/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "test.db"
api:
  auth:
    jwt:
      secret: "${ROOMBOOK_JWT_SECRET}"
    api_keys:
      - key: "k1"
        extra: "e1"
        name: "facilities"
        caller_id: 1
        role: "ADMIN"
booking:
  timezone: "UTC"
rooms:
  - id: "T101"
    name: "Amphi T101"
    capacity: 120
  - id: "T102"
telegram:
  admin_chat_ids: [100, 200]
  user_chats:
    7: 700
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("ROOMBOOK_JWT_SECRET=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ROOMBOOK_JWT_SECRET") })

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.API.Auth.JWT.Secret != "from-dotenv" {
		t.Errorf("expected jwt secret from .env, got %q", cfg.API.Auth.JWT.Secret)
	}
	if len(cfg.Rooms) != 2 || cfg.Rooms[0].ID != "T101" || cfg.Rooms[0].Capacity != 120 {
		t.Errorf("unexpected rooms: %+v", cfg.Rooms)
	}
	if len(cfg.Telegram.AdminChatIDs) != 2 || cfg.Telegram.UserChats[7] != 700 {
		t.Errorf("unexpected telegram config: %+v", cfg.Telegram)
	}
	if cfg.API.Auth.APIKeys[0].CallerID != 1 {
		t.Errorf("expected caller id 1, got %d", cfg.API.Auth.APIKeys[0].CallerID)
	}
	if got := cfg.RoomPointers(); len(got) != 2 || got[1].ID != "T102" {
		t.Errorf("unexpected room pointers: %+v", got)
	}
}

func TestLoadConfigWithoutDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("database:\n  path: a.db\n"), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("missing .env must not be fatal: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Rooms:    []models.Room{{ID: "T101"}},
			},
			wantErr: false,
		},
		{
			name:    "missing database path",
			cfg:     Config{},
			wantErr: true,
		},
		{
			name: "duplicate room id",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Rooms:    []models.Room{{ID: "T101"}, {ID: "T101"}},
			},
			wantErr: true,
		},
		{
			name: "bad timezone",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Booking:  BookingConfig{Timezone: "Mars/Olympus"},
			},
			wantErr: true,
		},
		{
			name: "bad lock ttl",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Redis:    RedisConfig{LockTTL: "soon"},
			},
			wantErr: true,
		},
		{
			name: "bad reminder time",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Rooms:    []models.Room{{ID: "T101"}},
				Telegram: TelegramConfig{ReminderTime: "6pm"},
			},
			wantErr: true,
		},
		{
			name: "grpc tls without keypair",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				API:      APIConfig{GRPC: APIGRPCConfig{Port: 8081, TLS: APITLSConfig{Enabled: true}}},
			},
			wantErr: true,
		},
		{
			name: "grpc mutual tls without client ca",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				API: APIConfig{GRPC: APIGRPCConfig{Port: 8081, TLS: APITLSConfig{
					Enabled: true, CertFile: "server.crt", KeyFile: "server.key", RequireClientCert: true,
				}}},
			},
			wantErr: true,
		},
		{
			name: "grpc tls ignored while disabled",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				Rooms:    []models.Room{{ID: "T101"}},
				API:      APIConfig{GRPC: APIGRPCConfig{TLS: APITLSConfig{Enabled: true}}},
			},
			wantErr: false,
		},
		{
			name: "api key with unknown role",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				API: APIConfig{Auth: APIAuthConfig{APIKeys: []APIClientKey{
					{Key: "k", Extra: "e", Name: "x", Role: "janitor"},
				}}},
			},
			wantErr: true,
		},
		{
			name: "duplicate api key",
			cfg: Config{
				Database: DatabaseConfig{Path: "path"},
				API: APIConfig{Auth: APIAuthConfig{APIKeys: []APIClientKey{
					{Key: "k", Extra: "e", Name: "a", Role: "admin"},
					{Key: "k", Extra: "f", Name: "b", Role: "professeur"},
				}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.API.HTTP.Port != 8080 {
		t.Errorf("expected default HTTP port 8080, got %d", cfg.API.HTTP.Port)
	}
	if cfg.API.Auth.HeaderAPIKey != "x-api-key" || cfg.API.Auth.HeaderExtra != "x-api-extra" {
		t.Errorf("unexpected auth headers %q %q", cfg.API.Auth.HeaderAPIKey, cfg.API.Auth.HeaderExtra)
	}
	if cfg.Booking.MaxAdvanceDays != models.DefaultMaxAdvanceDays {
		t.Errorf("expected default max advance days %d, got %d", models.DefaultMaxAdvanceDays, cfg.Booking.MaxAdvanceDays)
	}
	if ttl, err := time.ParseDuration(cfg.Redis.LockTTL); err != nil || ttl != models.DefaultLockTTL {
		t.Errorf("unexpected default lock ttl %q", cfg.Redis.LockTTL)
	}
	if cfg.Monitoring.PrometheusPort != 0 {
		t.Errorf("prometheus port must stay unset when disabled")
	}
}

func TestBookingLocation(t *testing.T) {
	if loc := (BookingConfig{}).Location(); loc != time.UTC {
		t.Errorf("expected UTC fallback, got %v", loc)
	}
	if loc := (BookingConfig{Timezone: "Nowhere/Land"}).Location(); loc != time.UTC {
		t.Errorf("expected UTC fallback for invalid zone, got %v", loc)
	}
}

func TestTelegramEnabled(t *testing.T) {
	if (TelegramConfig{}).Enabled() {
		t.Error("empty token must disable telegram")
	}
	if (TelegramConfig{BotToken: "YOUR_BOT_TOKEN_HERE"}).Enabled() {
		t.Error("placeholder token must disable telegram")
	}
	if !(TelegramConfig{BotToken: "123:abc"}).Enabled() {
		t.Error("real token must enable telegram")
	}
}
