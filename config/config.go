package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App      `json:"app"      toml:"app"`
		Release  `json:"release"  toml:"release"`
		Risk     `json:"risk"     toml:"risk"`
		Exchange `json:"exchange" toml:"exchange"`
		Webhook  `json:"webhook"  toml:"webhook"`
		OCR      `json:"ocr"      toml:"ocr"`
		HTTP     `json:"http"     toml:"http"`
		DB       `json:"db"       toml:"db"`
		Log      `json:"logger"   toml:"logger"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	// Release holds the auto-release engine options.
	Release struct {
		EnableAutoRelease      bool    `json:"enable_auto_release"      toml:"enable_auto_release"      env:"ENABLE_AUTO_RELEASE"      env-default:"true"`
		RequireBankMatch       bool    `json:"require_bank_match"       toml:"require_bank_match"       env:"REQUIRE_BANK_MATCH"       env-default:"true"`
		RequireOCRVerification bool    `json:"require_ocr_verification" toml:"require_ocr_verification" env:"REQUIRE_OCR_VERIFICATION" env-default:"false"`
		AuthType               string  `json:"auth_type"                toml:"auth_type"                env:"RELEASE_AUTH_TYPE"        env-default:"GOOGLE"`
		MinConfidence          float64 `json:"min_confidence"           toml:"min_confidence"           env:"OCR_MIN_CONFIDENCE"       env-default:"0.7"`
		ReleaseDelayMs         int     `json:"release_delay_ms"         toml:"release_delay_ms"         env:"RELEASE_DELAY_MS"         env-default:"3000"`
		MaxAutoReleaseAmount   float64 `json:"max_auto_release_amount"  toml:"max_auto_release_amount"  env:"MAX_AUTO_RELEASE_AMOUNT"  env-default:"10000"`
		TOTPSecret             string  `json:"totp_secret"              toml:"totp_secret"              env:"TOTP_SECRET"`
	}

	// Risk holds the buyer risk gate options.
	Risk struct {
		EnableBuyerRiskCheck   bool    `json:"enable_buyer_risk_check"  toml:"enable_buyer_risk_check"  env:"ENABLE_BUYER_RISK_CHECK"  env-default:"true"`
		SkipRiskCheckThreshold float64 `json:"skip_risk_check_threshold" toml:"skip_risk_check_threshold" env:"SKIP_RISK_CHECK_THRESHOLD" env-default:"500"`
		MinTotalOrders         int     `json:"min_total_orders"         toml:"min_total_orders"         env:"RISK_MIN_TOTAL_ORDERS"    env-default:"5"`
		MinRecentOrders        int     `json:"min_recent_orders"        toml:"min_recent_orders"        env:"RISK_MIN_RECENT_ORDERS"   env-default:"1"`
		MinAccountAgeDays      int     `json:"min_account_age_days"     toml:"min_account_age_days"     env:"RISK_MIN_ACCOUNT_AGE"     env-default:"30"`
		MinFinishRate          float64 `json:"min_finish_rate"          toml:"min_finish_rate"          env:"RISK_MIN_FINISH_RATE"     env-default:"0.85"`
	}

	Exchange struct {
		BaseURL      string `json:"base_url"      toml:"base_url"      env:"EXCHANGE_BASE_URL"`
		StreamURL    string `json:"stream_url"    toml:"stream_url"    env:"EXCHANGE_STREAM_URL"`
		APIKey       string `json:"api_key"       toml:"api_key"       env:"EXCHANGE_API_KEY"`
		APISecret    string `json:"api_secret"    toml:"api_secret"    env:"EXCHANGE_API_SECRET"`
		PollInterval int    `json:"poll_interval" toml:"poll_interval" env:"EXCHANGE_POLL_INTERVAL" env-default:"20"`
	}

	Webhook struct {
		Secret string `json:"secret" toml:"secret" env:"WEBHOOK_SECRET"`
	}

	OCR struct {
		BaseURL string `json:"base_url" toml:"base_url" env:"OCR_BASE_URL"`
		APIKey  string `json:"api_key"  toml:"api_key"  env:"OCR_API_KEY"`
	}

	HTTP struct {
		Port string `json:"port" toml:"port" env:"HTTP_PORT" env-default:"8080"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-default:"10"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	return cfg, nil
}
