// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/spf13/viper"
)

// DefaultDataDir holds the database, cache, socket and session token when the
// config does not place them elsewhere.
const DefaultDataDir = "/data/local/tmp/droidbackup"

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("root.su_command", "su")
	v.SetDefault("root.bind_timeout", 15*time.Second)
	v.SetDefault("root.max_retries", 3)
	v.SetDefault("root.retry_delay", 2*time.Second)
	v.SetDefault("root.security_label", "u:object_r:app_data_file:s0")
	v.SetDefault("root.allowed_uid", -1)
	v.SetDefault("storage.database", filepath.Join(DefaultDataDir, "droidbackup.db"))
	v.SetDefault("backup.compression", string(models.CompressionZstd))
	v.SetDefault("backup.backup_itself", true)
	v.SetDefault("backup.backup_networks", true)
	v.SetDefault("restore.user_id", -1)
	v.SetDefault("restore.clean", true)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	// Parse storage (backup_dir is required).
	cfg.Storage = models.StorageSettings{
		BackupDir: p.expandEnv(p.v.GetString("storage.backup_dir")),
		Database:  p.expandEnv(p.v.GetString("storage.database")),
		CacheDir:  p.expandEnv(p.v.GetString("storage.cache_dir")),
	}
	if cfg.Storage.BackupDir == "" {
		return nil, fmt.Errorf("storage.backup_dir is required")
	}
	dataDir := filepath.Dir(cfg.Storage.Database)
	if cfg.Storage.CacheDir == "" {
		cfg.Storage.CacheDir = filepath.Join(dataDir, "cache")
	}

	// Parse root daemon settings.
	cfg.Root = models.RootSettings{
		Socket:        p.v.GetString("root.socket"),
		SuCommand:     p.v.GetString("root.su_command"),
		Executable:    p.v.GetString("root.executable"),
		BindTimeout:   p.v.GetDuration("root.bind_timeout"),
		MaxRetries:    p.v.GetInt("root.max_retries"),
		RetryDelay:    p.v.GetDuration("root.retry_delay"),
		StagingDir:    p.v.GetString("root.staging_dir"),
		SecurityLabel: p.v.GetString("root.security_label"),
		AllowedUID:    p.v.GetInt("root.allowed_uid"),
	}
	if cfg.Root.Socket == "" {
		cfg.Root.Socket = filepath.Join(dataDir, "rootd.sock")
	}
	if cfg.Root.StagingDir == "" {
		cfg.Root.StagingDir = filepath.Join(dataDir, "staging")
	}
	if cfg.Root.Executable == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Root.Executable = exe
		}
	}
	if cfg.Root.MaxRetries < 1 {
		return nil, fmt.Errorf("root.max_retries must be at least 1")
	}

	// Parse backup settings.
	cfg.Backup = models.BackupSettings{
		UserID:           p.v.GetInt("backup.user_id"),
		Compression:      models.CompressionType(strings.ToLower(p.v.GetString("backup.compression"))),
		CompressionLevel: p.v.GetInt("backup.compression_level"),
		ResetList:        p.v.GetBool("backup.reset_list"),
		BackupItself:     p.v.GetBool("backup.backup_itself"),
		BackupNetworks:   p.v.GetBool("backup.backup_networks"),
		FollowSymlinks:   p.v.GetBool("backup.follow_symlinks"),
		AutoScreenOff:    p.v.GetBool("backup.auto_screen_off"),
		KillApps:         p.v.GetBool("backup.kill_apps"),
	}
	if !cfg.Backup.Compression.Valid() {
		return nil, fmt.Errorf("backup.compression must be one of: tar, zstd, lz4, gzip")
	}

	// Parse restore settings.
	cfg.Restore = models.RestoreSettings{
		UserID:    p.v.GetInt("restore.user_id"),
		Clean:     p.v.GetBool("restore.clean"),
		ResetList: p.v.GetBool("restore.reset_list"),
	}

	// Device layout, overridable per path.
	cfg.Paths = models.DefaultPathLayout()
	for key, dst := range map[string]*string{
		"paths.user":              &cfg.Paths.UserDir,
		"paths.user_de":           &cfg.Paths.UserDeDir,
		"paths.data":              &cfg.Paths.DataDir,
		"paths.obb":               &cfg.Paths.ObbDir,
		"paths.media":             &cfg.Paths.MediaDir,
		"paths.ssaid_file":        &cfg.Paths.SsaidFile,
		"paths.wifi_config_store": &cfg.Paths.WifiConfigStore,
	} {
		if v := p.v.GetString(key); v != "" {
			*dst = v
		}
	}

	// Parse optional remote config.
	if p.v.IsSet("remote") { //nolint:nestif // config parsing with defaults
		cfg.Remote = &models.RemoteConfig{
			Name:           p.v.GetString("remote.name"),
			Type:           strings.ToLower(p.v.GetString("remote.type")),
			URL:            p.expandEnv(p.v.GetString("remote.url")),
			Host:           p.v.GetString("remote.host"),
			Port:           p.v.GetInt("remote.port"),
			Username:       p.expandEnv(p.v.GetString("remote.username")),
			Password:       p.expandEnv(p.v.GetString("remote.password")),
			KeyPath:        p.expandEnv(p.v.GetString("remote.key_path")),
			KnownHostsPath: p.expandEnv(p.v.GetString("remote.known_hosts")),
			Endpoint:       p.v.GetString("remote.endpoint"),
			Bucket:         p.v.GetString("remote.bucket"),
			Region:         p.v.GetString("remote.region"),
			UseSSL:         p.v.GetBool("remote.use_ssl"),
			Dir:            p.v.GetString("remote.dir"),
		}

		switch cfg.Remote.Type {
		case "webdav":
			if cfg.Remote.URL == "" {
				return nil, fmt.Errorf("remote.url is required for webdav")
			}
		case "sftp":
			if cfg.Remote.Host == "" {
				return nil, fmt.Errorf("remote.host is required for sftp")
			}
			if cfg.Remote.Port == 0 {
				cfg.Remote.Port = 22
			}
			if cfg.Remote.KeyPath == "" && cfg.Remote.Password == "" {
				return nil, fmt.Errorf("remote.key_path or remote.password is required for sftp")
			}
		case "s3":
			if cfg.Remote.Endpoint == "" || cfg.Remote.Bucket == "" {
				return nil, fmt.Errorf("remote.endpoint and remote.bucket are required for s3")
			}
		default:
			return nil, fmt.Errorf("remote.type must be one of: webdav, sftp, s3")
		}
		if cfg.Remote.Name == "" {
			cfg.Remote.Name = cfg.Remote.Type
		}

		if p.v.IsSet("remote.wol") {
			cfg.Remote.WOL = &models.WOLConfig{
				MACAddress:    p.v.GetString("remote.wol.mac_address"),
				BroadcastIP:   p.v.GetString("remote.wol.broadcast_ip"),
				HostAddress:   p.v.GetString("remote.wol.host_address"),
				Timeout:       p.v.GetDuration("remote.wol.timeout"),
				PollInterval:  p.v.GetDuration("remote.wol.poll_interval"),
				StabilizeWait: p.v.GetDuration("remote.wol.stabilize_wait"),
			}

			if cfg.Remote.WOL.MACAddress == "" {
				return nil, fmt.Errorf("remote.wol.mac_address is required when wol is configured")
			}

			// Set defaults.
			if cfg.Remote.WOL.BroadcastIP == "" {
				cfg.Remote.WOL.BroadcastIP = "255.255.255.255"
			}
			if cfg.Remote.WOL.Timeout == 0 {
				cfg.Remote.WOL.Timeout = 5 * time.Minute
			}
			if cfg.Remote.WOL.PollInterval == 0 {
				cfg.Remote.WOL.PollInterval = 10 * time.Second
			}
			if cfg.Remote.WOL.StabilizeWait == 0 {
				cfg.Remote.WOL.StabilizeWait = 10 * time.Second
			}
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional metrics endpoint.
	if p.v.IsSet("metrics") {
		cfg.Metrics = &models.MetricsConfig{Listen: p.v.GetString("metrics.listen")}
		if cfg.Metrics.Listen == "" {
			cfg.Metrics.Listen = ":9100"
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Storage.BackupDir == "" {
		return fmt.Errorf("storage.backup_dir is required")
	}

	if cfg.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}

	if !cfg.Backup.Compression.Valid() {
		return fmt.Errorf("backup.compression %q is not supported", cfg.Backup.Compression)
	}

	if cfg.Backup.UserID < 0 {
		return fmt.Errorf("backup.user_id must not be negative")
	}

	if cfg.Remote != nil && cfg.Remote.WOL != nil && cfg.Remote.WOL.MACAddress == "" {
		return fmt.Errorf("remote.wol.mac_address is required when wol is configured")
	}

	return nil
}
