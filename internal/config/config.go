package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"killswitch/pkg/crypto"
)

// Режимы работы
const (
	ModeActive   = "active"   // триггеры оцениваются автоматически
	ModeDisabled = "disabled" // только ручной trigger; KILLED всё равно блокирует
)

// Типы триггеров в конфигурации
const (
	TriggerThreshold = "threshold"
	TriggerManual    = "manual"
	TriggerWatchdog  = "watchdog"
	TriggerExternal  = "external"
)

// Config содержит всю конфигурацию приложения
//
// Порядок применения: значения по умолчанию -> YAML файл -> переменные окружения.
type Config struct {
	Enabled                 bool            `yaml:"enabled"`
	Mode                    string          `yaml:"mode"`
	RecoveryCooldownSeconds int             `yaml:"recovery_cooldown_seconds"`
	KillFile                string          `yaml:"kill_file"`
	Triggers                []TriggerConfig `yaml:"triggers"`

	Recovery    RecoveryConfig    `yaml:"recovery"`
	Health      HealthConfig      `yaml:"health"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Audit       AuditConfig       `yaml:"audit"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Security    SecurityConfig    `yaml:"security"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TriggerConfig - описание одного триггера. Порядок в списке = порядок оценки.
type TriggerConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Enabled *bool  `yaml:"enabled,omitempty"` // nil = включён

	// threshold
	Field     string  `yaml:"field,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	Direction string  `yaml:"direction,omitempty"` // lte | lt | gte | gt

	// watchdog
	MaxHeartbeatAgeSeconds float64 `yaml:"max_heartbeat_age_seconds,omitempty"`
	MaxMemoryMB            float64 `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent          float64 `yaml:"max_cpu_percent,omitempty"`

	// external
	MaxPriceStalenessSeconds float64 `yaml:"max_price_staleness_seconds,omitempty"`
}

// IsEnabled - триггер включён, если enabled не задан явно
func (t TriggerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// RecoveryConfig - параметры восстановления и поэтапного перезапуска
type RecoveryConfig struct {
	GradualRestartEnabled       bool      `yaml:"gradual_restart_enabled"`
	InitialPositionLimitFactor  float64   `yaml:"initial_position_limit_factor"`
	EscalationIntervals         []int     `yaml:"escalation_intervals"` // секунды
	EscalationFactors           []float64 `yaml:"escalation_factors"`
	ApprovalHashCost            int       `yaml:"approval_hash_cost"`
	MaxFailedApprovalsPerMinute int       `yaml:"max_failed_approvals_per_minute"`
}

// HealthConfig - пороги проверок перед восстановлением
type HealthConfig struct {
	MaxPriceStalenessSeconds float64 `yaml:"max_price_staleness_seconds"`
	MaxHeartbeatAgeSeconds   float64 `yaml:"max_heartbeat_age_seconds"`
	RequireTriggersClear     bool    `yaml:"require_triggers_clear"`
}

// PersistenceConfig - файл состояния и резервные копии
type PersistenceConfig struct {
	StateFile  string `yaml:"state_file"`
	BackupDir  string `yaml:"backup_dir"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuditConfig - журнал аудита
type AuditConfig struct {
	Dir               string `yaml:"dir"`
	MaxFileSizeBytes  int64  `yaml:"max_file_size_bytes"`
	CompressAfterDays int    `yaml:"compress_after_days"`
	RetentionDays     int    `yaml:"retention_days"`
	MirrorQueueSize   int    `yaml:"mirror_queue_size"`
}

// MonitorConfig - периодический опрос ядра в режиме serve
type MonitorConfig struct {
	IntervalSeconds     float64 `yaml:"interval_seconds"`
	MaintenanceInterval string  `yaml:"maintenance_interval"` // time.ParseDuration
}

// ServerConfig - настройки HTTP сервера операторского API
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	APIToken       string   `yaml:"api_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig - зеркало аудита в PostgreSQL (необязательно)
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// SecurityConfig - секрет подтверждения восстановления
//
// Открытый код (KILLSWITCH_APPROVAL_CODE) хешируется при загрузке
// и сразу забывается. В структуре остаётся только bcrypt хеш.
type SecurityConfig struct {
	ApprovalCodeHash string `yaml:"approval_code_hash"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func boolPtr(v bool) *bool { return &v }

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Enabled:                 true,
		Mode:                    ModeActive,
		RecoveryCooldownSeconds: 300,
		Triggers: []TriggerConfig{
			{ID: "max_drawdown", Type: TriggerThreshold, Field: "drawdown", Threshold: -0.15, Direction: "lte"},
			{ID: "daily_loss", Type: TriggerThreshold, Field: "daily_pnl", Threshold: -5000, Direction: "lte"},
			{ID: "volatility", Type: TriggerThreshold, Field: "volatility", Threshold: 0.08, Direction: "gte", Enabled: boolPtr(false)},
			{ID: "watchdog", Type: TriggerWatchdog, MaxHeartbeatAgeSeconds: 30, MaxMemoryMB: 4096, MaxCPUPercent: 95},
			{ID: "exchange", Type: TriggerExternal, MaxPriceStalenessSeconds: 60},
			{ID: "manual", Type: TriggerManual},
		},
		Recovery: RecoveryConfig{
			GradualRestartEnabled:       true,
			InitialPositionLimitFactor:  0.0,
			EscalationIntervals:         []int{300, 300, 300, 300},
			EscalationFactors:           []float64{0.25, 0.5, 0.75, 1.0},
			ApprovalHashCost:            crypto.DefaultCost,
			MaxFailedApprovalsPerMinute: 5,
		},
		Health: HealthConfig{
			MaxPriceStalenessSeconds: 60,
			MaxHeartbeatAgeSeconds:   30,
			RequireTriggersClear:     true,
		},
		Persistence: PersistenceConfig{
			StateFile:  "data/state.json",
			BackupDir:  "data/backups",
			MaxBackups: 10,
		},
		Audit: AuditConfig{
			Dir:               "data/audit",
			MaxFileSizeBytes:  10 * 1024 * 1024,
			CompressAfterDays: 7,
			RetentionDays:     90,
			MirrorQueueSize:   256,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:     1,
			MaintenanceInterval: "1h",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			Name:    "killswitch",
			User:    "killswitch",
			SSLMode: "disable",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load загружает конфигурацию: defaults -> YAML (если path не пуст) -> env
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.resolveSecret(os.Getenv("KILLSWITCH_APPROVAL_CODE")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse разбирает YAML документ поверх значений по умолчанию (без env)
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv накладывает переменные окружения KILLSWITCH_*
func (c *Config) applyEnv() {
	c.Enabled = getEnvAsBool("KILLSWITCH_ENABLED", c.Enabled)
	c.Mode = getEnv("KILLSWITCH_MODE", c.Mode)
	c.RecoveryCooldownSeconds = getEnvAsInt("KILLSWITCH_RECOVERY_COOLDOWN_SECONDS", c.RecoveryCooldownSeconds)
	c.KillFile = getEnv("KILLSWITCH_KILL_FILE", c.KillFile)

	c.Persistence.StateFile = getEnv("KILLSWITCH_STATE_FILE", c.Persistence.StateFile)
	c.Persistence.BackupDir = getEnv("KILLSWITCH_BACKUP_DIR", c.Persistence.BackupDir)
	c.Audit.Dir = getEnv("KILLSWITCH_AUDIT_DIR", c.Audit.Dir)

	c.Server.Host = getEnv("KILLSWITCH_SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("KILLSWITCH_SERVER_PORT", c.Server.Port)
	c.Server.APIToken = getEnv("KILLSWITCH_API_TOKEN", c.Server.APIToken)

	c.Database.Enabled = getEnvAsBool("KILLSWITCH_DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("KILLSWITCH_DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("KILLSWITCH_DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("KILLSWITCH_DB_NAME", c.Database.Name)
	c.Database.User = getEnv("KILLSWITCH_DB_USER", c.Database.User)
	c.Database.Password = getEnv("KILLSWITCH_DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("KILLSWITCH_DB_SSL_MODE", c.Database.SSLMode)

	c.Security.ApprovalCodeHash = getEnv("KILLSWITCH_APPROVAL_CODE_HASH", c.Security.ApprovalCodeHash)

	c.Logging.Level = getEnv("KILLSWITCH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("KILLSWITCH_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("KILLSWITCH_LOG_OUTPUT", c.Logging.Output)
}

// resolveSecret хеширует открытый код подтверждения, если он передан.
// Хеш из конфигурации имеет приоритет над открытым кодом.
func (c *Config) resolveSecret(plain string) error {
	if c.Security.ApprovalCodeHash != "" {
		if !crypto.IsHash(c.Security.ApprovalCodeHash) {
			return fmt.Errorf("approval_code_hash is not a valid bcrypt hash")
		}
		return nil
	}
	if plain == "" {
		return nil
	}

	hash, err := crypto.HashCodeWithCost(plain, c.Recovery.ApprovalHashCost)
	if err != nil {
		return fmt.Errorf("hash approval code: %w", err)
	}
	c.Security.ApprovalCodeHash = hash
	return nil
}

// SetApprovalCode задаёт секрет открытым текстом (хранится только хеш)
func (c *Config) SetApprovalCode(plain string) error {
	if plain == "" {
		return crypto.ErrEmptyCode
	}
	c.Security.ApprovalCodeHash = ""
	return c.resolveSecret(plain)
}

// HasApprovalSecret - задан ли секрет подтверждения
func (c *Config) HasApprovalSecret() bool {
	return c.Security.ApprovalCodeHash != ""
}

// AutomaticTriggersEnabled - оцениваются ли триггеры в CheckAndBlock
func (c *Config) AutomaticTriggersEnabled() bool {
	return c.Enabled && c.Mode != ModeDisabled
}

// RecoveryCooldown - пауза после начала восстановления
func (c *Config) RecoveryCooldown() time.Duration {
	return time.Duration(c.RecoveryCooldownSeconds) * time.Second
}

// Intervals возвращает интервалы эскалации как time.Duration
func (r RecoveryConfig) Intervals() []time.Duration {
	out := make([]time.Duration, len(r.EscalationIntervals))
	for i, s := range r.EscalationIntervals {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// Interval - период опроса монитора
func (m MonitorConfig) Interval() time.Duration {
	if m.IntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(m.IntervalSeconds * float64(time.Second))
}

// MaintenancePeriod - период обслуживания журнала аудита (сжатие, удаление)
func (m MonitorConfig) MaintenancePeriod() time.Duration {
	d, err := time.ParseDuration(m.MaintenanceInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// Addr возвращает адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL - адрес API для клиента на той же машине.
// Сервер, слушающий все интерфейсы, доступен через loopback.
func (s ServerConfig) URL() string {
	host := s.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// ============================================================
// Валидация
// ============================================================

// Validate проверяет конфигурацию целиком
func (c *Config) Validate() error {
	if err := c.validateMode(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateTriggers(); err != nil {
		return err
	}
	return c.validateRanges()
}

func (c *Config) validateMode() error {
	switch c.Mode {
	case ModeActive, ModeDisabled:
		return nil
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeActive, ModeDisabled, c.Mode)
	}
}

// validateRecovery проверяет расписание эскалации
func (c *Config) validateRecovery() error {
	r := c.Recovery

	if c.RecoveryCooldownSeconds < 0 {
		return fmt.Errorf("recovery_cooldown_seconds cannot be negative, got %d", c.RecoveryCooldownSeconds)
	}

	if len(r.EscalationFactors) == 0 {
		return fmt.Errorf("recovery.escalation_factors must not be empty")
	}
	if len(r.EscalationFactors) != len(r.EscalationIntervals) {
		return fmt.Errorf("recovery.escalation_factors (%d) and escalation_intervals (%d) must have the same length",
			len(r.EscalationFactors), len(r.EscalationIntervals))
	}

	prev := 0.0
	for i, f := range r.EscalationFactors {
		if f <= 0 || f > 1 {
			return fmt.Errorf("recovery.escalation_factors[%d] must be in (0, 1], got %v", i, f)
		}
		if i > 0 && f <= prev {
			return fmt.Errorf("recovery.escalation_factors must be strictly increasing, got %v after %v", f, prev)
		}
		prev = f
	}
	if r.EscalationFactors[len(r.EscalationFactors)-1] != 1.0 {
		return fmt.Errorf("recovery.escalation_factors must end at 1.0, got %v", prev)
	}

	for i, s := range r.EscalationIntervals {
		if s < 0 {
			return fmt.Errorf("recovery.escalation_intervals[%d] cannot be negative, got %d", i, s)
		}
	}

	if r.InitialPositionLimitFactor < 0 || r.InitialPositionLimitFactor > r.EscalationFactors[0] {
		return fmt.Errorf("recovery.initial_position_limit_factor must be in [0, %v], got %v",
			r.EscalationFactors[0], r.InitialPositionLimitFactor)
	}

	if r.MaxFailedApprovalsPerMinute < 1 {
		return fmt.Errorf("recovery.max_failed_approvals_per_minute must be at least 1, got %d", r.MaxFailedApprovalsPerMinute)
	}

	return nil
}

// validateTriggers проверяет уникальность id и параметры по типу
func (c *Config) validateTriggers() error {
	seen := make(map[string]bool, len(c.Triggers))

	for i, t := range c.Triggers {
		if t.ID == "" {
			return fmt.Errorf("triggers[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("triggers[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true

		switch t.Type {
		case TriggerThreshold:
			if t.Field == "" {
				return fmt.Errorf("trigger %q: field is required for threshold trigger", t.ID)
			}
			switch strings.ToLower(t.Direction) {
			case "", "lte", "lt", "gte", "gt":
			default:
				return fmt.Errorf("trigger %q: direction must be one of lte, lt, gte, gt, got %q", t.ID, t.Direction)
			}
		case TriggerWatchdog:
			if t.MaxHeartbeatAgeSeconds < 0 || t.MaxMemoryMB < 0 || t.MaxCPUPercent < 0 {
				return fmt.Errorf("trigger %q: watchdog limits cannot be negative", t.ID)
			}
		case TriggerExternal:
			if t.MaxPriceStalenessSeconds < 0 {
				return fmt.Errorf("trigger %q: max_price_staleness_seconds cannot be negative", t.ID)
			}
		case TriggerManual:
		default:
			return fmt.Errorf("trigger %q: unknown type %q", t.ID, t.Type)
		}
	}

	return nil
}

// validateRanges проверяет числовые диапазоны
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Persistence.StateFile == "" {
		return fmt.Errorf("persistence.state_file is required")
	}

	if c.Persistence.MaxBackups < 0 {
		return fmt.Errorf("persistence.max_backups cannot be negative, got %d", c.Persistence.MaxBackups)
	}

	if c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required")
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1, got %d", c.Audit.RetentionDays)
	}

	if c.Audit.CompressAfterDays < 0 {
		return fmt.Errorf("audit.compress_after_days cannot be negative, got %d", c.Audit.CompressAfterDays)
	}

	if c.Audit.MaxFileSizeBytes < 0 {
		return fmt.Errorf("audit.max_file_size_bytes cannot be negative, got %d", c.Audit.MaxFileSizeBytes)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword - строка подключения для логов
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
