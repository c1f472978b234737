// Package config は環境変数からサービス設定を読み込む。
//
// 全サービスが同じキー体系を共有し、サービスごとに必要な項目だけを参照する。
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はサービス共通の設定。
type Config struct {
	// Service はサービス名。
	Service string
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DataDir はSQLiteファイルの保存ディレクトリ。
	DataDir string
	// LogLevel はログレベル。
	LogLevel string
	// Credential は資格情報の発行・検証設定。
	Credential CredentialConfig
	// Bootstrap は起動時に登録する初期サブジェクト。
	Bootstrap BootstrapConfig
	// Services は内部サービスのURL。
	Services ServiceURLs
	// Gateway はゲートウェイ固有の設定。
	Gateway GatewayConfig
	// RPC は課金サービス呼び出しのリトライ設定。
	RPC RPCConfig
	// Events はイベントストリームの設定。
	Events EventConfig
}

// CredentialConfig は資格情報の署名鍵と有効期間。
type CredentialConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// BootstrapConfig は初期サブジェクトの設定。Subjectが空なら登録しない。
type BootstrapConfig struct {
	Subject string
	Secret  string
	Roles   []string
}

// ServiceURLs は転送先サービスのアドレス。
type ServiceURLs struct {
	Patient string
	Billing string
	Report  string
}

// GatewayConfig はルーティングと転送の設定。
type GatewayConfig struct {
	// RoutesFile はルートテーブルのYAMLファイル。空なら組み込みのテーブルを使う。
	RoutesFile string
	// WatchRoutes はルートファイルの変更を監視して再読み込みするかどうか。
	WatchRoutes bool
	// Timeout はリクエスト全体の期限。
	Timeout time.Duration
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// RPCConfig はリモート呼び出しのリトライ・バックオフ設定。
type RPCConfig struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// EventConfig はブローカーと発行・購読の設定。
type EventConfig struct {
	// Brokers はKafkaブローカーのアドレス。
	Brokers             []string
	// InProcess はBrokersが空のときにプロセス内のインメモリブローカーを許可するかどうか。
	// サービス間でイベントは届かないため、単一プロセスの開発とテスト専用。
	InProcess           bool
	Topic               string
	Partitions          int
	ConsumerGroup       string
	PublishMaxRetries   int
	ConsumerMaxAttempts int
	DeadLetterAMQPURL   string
}

// Load は環境変数から設定を読み込む。
// defaultPortはPORTが未設定の場合に使用する。
func Load(service, defaultPort string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaultPort)

	cfg := &Config{
		Service:  service,
		Port:     v.GetString("port"),
		DataDir:  v.GetString("data_dir"),
		LogLevel: v.GetString("log_level"),
		Credential: CredentialConfig{
			Secret: v.GetString("credential_secret"),
			TTL:    v.GetDuration("credential_ttl"),
			Issuer: v.GetString("credential_issuer"),
		},
		Bootstrap: BootstrapConfig{
			Subject: v.GetString("bootstrap_subject"),
			Secret:  v.GetString("bootstrap_secret"),
			Roles:   splitList(v.GetString("bootstrap_roles")),
		},
		Services: ServiceURLs{
			Patient: v.GetString("patient_url"),
			Billing: v.GetString("billing_url"),
			Report:  v.GetString("report_url"),
		},
		Gateway: GatewayConfig{
			RoutesFile:     v.GetString("routes_file"),
			WatchRoutes:    v.GetBool("routes_watch"),
			Timeout:        v.GetDuration("gateway_timeout"),
			AllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		},
		RPC: RPCConfig{
			MaxRetries:     v.GetInt("rpc_max_retries"),
			BaseBackoff:    v.GetDuration("rpc_base_backoff"),
			MaxBackoff:     v.GetDuration("rpc_max_backoff"),
			AttemptTimeout: v.GetDuration("rpc_attempt_timeout"),
		},
		Events: EventConfig{
			Brokers:             splitList(v.GetString("event_brokers")),
			InProcess:           v.GetBool("event_in_process"),
			Topic:               v.GetString("event_topic"),
			Partitions:          v.GetInt("event_partitions"),
			ConsumerGroup:       v.GetString("consumer_group"),
			PublishMaxRetries:   v.GetInt("publish_max_retries"),
			ConsumerMaxAttempts: v.GetInt("consumer_max_attempts"),
			DeadLetterAMQPURL:   v.GetString("deadletter_amqp_url"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults は各キーのデフォルト値を設定する。
func setDefaults(v *viper.Viper, defaultPort string) {
	v.SetDefault("port", defaultPort)
	v.SetDefault("data_dir", "/data")
	v.SetDefault("log_level", "info")
	v.SetDefault("credential_secret", "dev-secret-key")
	v.SetDefault("credential_ttl", "15m")
	v.SetDefault("credential_issuer", "carebridge-gateway")
	v.SetDefault("bootstrap_subject", "")
	v.SetDefault("bootstrap_secret", "")
	v.SetDefault("bootstrap_roles", "clinician")
	v.SetDefault("patient_url", "http://localhost:8081")
	v.SetDefault("billing_url", "http://localhost:8082")
	v.SetDefault("report_url", "http://localhost:8083")
	v.SetDefault("routes_file", "")
	v.SetDefault("routes_watch", false)
	v.SetDefault("gateway_timeout", "10s")
	v.SetDefault("cors_allowed_origins", "http://localhost:3000")
	v.SetDefault("rpc_max_retries", 3)
	v.SetDefault("rpc_base_backoff", "100ms")
	v.SetDefault("rpc_max_backoff", "2s")
	v.SetDefault("rpc_attempt_timeout", "2s")
	v.SetDefault("event_brokers", "")
	v.SetDefault("event_in_process", false)
	v.SetDefault("event_topic", "carebridge.patient-events")
	v.SetDefault("event_partitions", 8)
	v.SetDefault("consumer_group", "report")
	v.SetDefault("publish_max_retries", 5)
	v.SetDefault("consumer_max_attempts", 3)
	v.SetDefault("deadletter_amqp_url", "")
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.Credential.Secret == "" {
		errs = append(errs, errors.New("CREDENTIAL_SECRETが空です"))
	}
	if c.Credential.TTL <= 0 {
		errs = append(errs, fmt.Errorf("CREDENTIAL_TTLは正の値である必要があります: %s", c.Credential.TTL))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUTは正の値である必要があります: %s", c.Gateway.Timeout))
	}
	if c.RPC.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RPC_MAX_RETRIESは0以上である必要があります: %d", c.RPC.MaxRetries))
	}
	if c.Events.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_PARTITIONSは正の値である必要があります: %d", c.Events.Partitions))
	}
	if c.Events.ConsumerMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_ATTEMPTSは正の値である必要があります: %d", c.Events.ConsumerMaxAttempts))
	}
	if c.Bootstrap.Subject != "" && c.Bootstrap.Secret == "" {
		errs = append(errs, errors.New("BOOTSTRAP_SUBJECTを指定する場合はBOOTSTRAP_SECRETも必要です"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// DBPath はデータディレクトリ配下のSQLiteファイルパスを返す。
func (c *Config) DBPath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// splitList はカンマ区切りの文字列をスライスに変換する。空要素は除外する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
