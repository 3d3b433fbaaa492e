package ops

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"fixengine/internal/errors"
	"fixengine/internal/schema"
	"fixengine/internal/session"
	"fixengine/internal/transport"
	"fixengine/pkg/exception"
)

const defaultOpenTimeout = 10 * time.Second

// EnvPrefix prefixes environment overrides, e.g. FIXENGINE_STORE_DIR.
const EnvPrefix = "FIXENGINE"

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Sessions  []SessionConfig `mapstructure:"sessions"`
	Acceptor  AcceptorConfig  `mapstructure:"acceptor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// EngineConfig names this engine instance in logs and profiles.
type EngineConfig struct {
	Name string `mapstructure:"name"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	// Dir is the root for file and badger stores and the database file for sqlite.
	Dir      string         `mapstructure:"dir"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Pool     PoolConfig     `mapstructure:"pool"`
	// OpenTimeout bounds the first ping of a sql backend.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// PoolConfig bounds the connection pool of the sql backends.
type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// PostgresConfig holds PostgreSQL connection options. DSN wins when set.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Params are extra connection parameters such as connect_timeout.
	Params map[string]string `mapstructure:"params"`
}

// SessionConfig describes one counterparty.
type SessionConfig struct {
	SenderCompID string `mapstructure:"sender_comp_id"`
	TargetCompID string `mapstructure:"target_comp_id"`
	Qualifier    string `mapstructure:"qualifier"`
	BeginString  string `mapstructure:"begin_string"`
	Role         string `mapstructure:"role"`

	// Network and Address are dialed by initiators.
	Network string        `mapstructure:"network"`
	Address string        `mapstructure:"address"`
	Backoff BackoffConfig `mapstructure:"backoff"`

	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	MaxHeartbeat  time.Duration `mapstructure:"max_heartbeat"`
	Grace         time.Duration `mapstructure:"grace"`
	LogonTimeout  time.Duration `mapstructure:"logon_timeout"`
	LogoutTimeout time.Duration `mapstructure:"logout_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`

	ResetOnLogon       bool `mapstructure:"reset_on_logon"`
	SendNextExpected   bool `mapstructure:"send_next_expected"`
	MalformedThreshold int  `mapstructure:"malformed_threshold"`

	InboundQueue  int `mapstructure:"inbound_queue"`
	OutboundQueue int `mapstructure:"outbound_queue"`
	MaxFrameSize  int `mapstructure:"max_frame_size"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BackoffConfig shapes the initiator's redial delays.
type BackoffConfig struct {
	Min    time.Duration `mapstructure:"min"`
	Max    time.Duration `mapstructure:"max"`
	Factor float64       `mapstructure:"factor"`
	Jitter float64       `mapstructure:"jitter"`
}

// AcceptorConfig configures the listener shared by acceptor sessions.
type AcceptorConfig struct {
	Network      string        `mapstructure:"network"`
	Address      string        `mapstructure:"address"`
	AcceptRate   float64       `mapstructure:"accept_rate"`
	AcceptBurst  int           `mapstructure:"accept_burst"`
	LogonTimeout time.Duration `mapstructure:"logon_timeout"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type AdminConfig struct {
	Socket string `mapstructure:"socket"`
}

type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Server  string `mapstructure:"server"`
}

// SessionSpec is a resolved session: its engine config and, for initiators,
// where to dial.
type SessionSpec struct {
	Session session.Config
	Dial    *transport.InitiatorConfig
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Engine    string
	Store     StoreConfig
	Sessions  []SessionSpec
	Acceptor  *transport.AcceptorConfig
	Metrics   string
	Admin     string
	Profiling ProfilingConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.name", "fixengine")
	v.SetDefault("store.kind", StoreFile)
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.host", "")
	v.SetDefault("store.postgres.port", 0)
	v.SetDefault("store.postgres.user", "")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.database", "")
	v.SetDefault("store.postgres.sslmode", "")
	v.SetDefault("store.pool.max_open_conns", 0)
	v.SetDefault("store.pool.max_idle_conns", 0)
	v.SetDefault("store.pool.conn_max_lifetime", time.Duration(0))
	v.SetDefault("store.pool.conn_max_idle_time", time.Duration(0))
	v.SetDefault("store.open_timeout", defaultOpenTimeout)
	v.SetDefault("acceptor.network", transport.NetworkTCP)
	v.SetDefault("acceptor.address", "")
	v.SetDefault("acceptor.accept_rate", 0)
	v.SetDefault("acceptor.accept_burst", 0)
	v.SetDefault("acceptor.logon_timeout", session.DefaultLogonTimeout)
	v.SetDefault("metrics.address", "")
	v.SetDefault("admin.socket", "")
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server", "")
}

// Load reads a JSON, YAML or TOML config file, overlays FIXENGINE_*
// environment variables and resolves it.
func Load(path string) (Loaded, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Loaded{}, errors.Wrap(err, "read config "+path)
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config "+path)
	}
	return cfg.Resolve()
}

// Resolve validates cfg and converts it into engine types.
func (cfg FileConfig) Resolve() (Loaded, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Loaded{}, err
	}

	out := Loaded{
		Engine:    cfg.Engine.Name,
		Store:     cfg.Store,
		Metrics:   cfg.Metrics.Address,
		Admin:     cfg.Admin.Socket,
		Profiling: cfg.Profiling,
	}
	if cfg.Acceptor.Address != "" {
		out.Acceptor = &transport.AcceptorConfig{
			Network:      cfg.Acceptor.Network,
			Address:      cfg.Acceptor.Address,
			AcceptRate:   cfg.Acceptor.AcceptRate,
			AcceptBurst:  cfg.Acceptor.AcceptBurst,
			LogonTimeout: cfg.Acceptor.LogonTimeout,
		}
	}

	for _, sc := range cfg.Sessions {
		spec, err := sc.resolve()
		if err != nil {
			return Loaded{}, err
		}
		if spec.Session.Role == session.RoleAcceptor && out.Acceptor != nil && sc.MaxFrameSize > out.Acceptor.MaxFrameSize {
			out.Acceptor.MaxFrameSize = sc.MaxFrameSize
		}
		out.Sessions = append(out.Sessions, spec)
	}
	return out, nil
}

func (cfg FileConfig) withDefaults() FileConfig {
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = "fixengine"
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = StoreFile
	}
	cfg.Store.Kind = strings.ToLower(cfg.Store.Kind)
	if cfg.Store.OpenTimeout <= 0 {
		cfg.Store.OpenTimeout = defaultOpenTimeout
	}
	if cfg.Acceptor.Network == "" {
		cfg.Acceptor.Network = transport.NetworkTCP
	}
	cfg.Sessions = append([]SessionConfig(nil), cfg.Sessions...)
	for i := range cfg.Sessions {
		if cfg.Sessions[i].BeginString == "" {
			cfg.Sessions[i].BeginString = session.DefaultBeginString
		}
		if cfg.Sessions[i].Role == "" {
			cfg.Sessions[i].Role = session.RoleAcceptor.String()
		}
		if cfg.Sessions[i].Network == "" {
			cfg.Sessions[i].Network = transport.NetworkTCP
		}
	}
	return cfg
}

// Validate checks cross-section consistency. Per-session checks run in resolve.
func (cfg FileConfig) Validate() error {
	if cfg.Store.Pool.MaxOpenConns < 0 || cfg.Store.Pool.MaxIdleConns < 0 {
		return errors.Wrap(exception.ErrConfigInvalid, "store.pool limits must not be negative")
	}
	switch cfg.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreBadger, StoreSQLite:
		if cfg.Store.Dir == "" {
			return errors.Wrap(exception.ErrConfigInvalid, "store.dir is empty")
		}
	case StorePostgres:
		if cfg.Store.Postgres.DSN == "" && cfg.Store.Postgres.Database == "" {
			return errors.Wrap(exception.ErrConfigInvalid, "store.postgres needs dsn or database")
		}
	default:
		return errors.Wrap(exception.ErrConfigUnknownKind, cfg.Store.Kind)
	}

	if len(cfg.Sessions) == 0 {
		return errors.Wrap(exception.ErrConfigInvalid, "no sessions")
	}
	if cfg.Profiling.Enabled && cfg.Profiling.Server == "" {
		return errors.Wrap(exception.ErrConfigInvalid, "profiling.server is empty")
	}

	seen := make(map[string]bool, len(cfg.Sessions))
	for _, sc := range cfg.Sessions {
		id := sc.id()
		if seen[id.Key()] {
			return errors.Wrap(exception.ErrSessionExists, id.String())
		}
		seen[id.Key()] = true

		role, err := session.ParseRole(sc.Role)
		if err != nil {
			return err
		}
		if role == session.RoleAcceptor && cfg.Acceptor.Address == "" {
			return errors.Wrap(exception.ErrConfigInvalid, id.String()+" is an acceptor but acceptor.address is empty")
		}
	}
	return nil
}

func (sc SessionConfig) id() schema.SessionID {
	return schema.SessionID{
		SenderCompID: sc.SenderCompID,
		TargetCompID: sc.TargetCompID,
		Qualifier:    sc.Qualifier,
	}
}

func (sc SessionConfig) resolve() (SessionSpec, error) {
	role, err := session.ParseRole(sc.Role)
	if err != nil {
		return SessionSpec{}, err
	}
	cfg := session.Config{
		ID:                 sc.id(),
		BeginString:        sc.BeginString,
		Role:               role,
		Heartbeat:          sc.Heartbeat,
		MaxHeartbeat:       sc.MaxHeartbeat,
		Grace:              sc.Grace,
		LogonTimeout:       sc.LogonTimeout,
		LogoutTimeout:      sc.LogoutTimeout,
		WriteTimeout:       sc.WriteTimeout,
		ResetOnLogon:       sc.ResetOnLogon,
		SendNextExpected:   sc.SendNextExpected,
		MalformedThreshold: sc.MalformedThreshold,
		InboundQueue:       sc.InboundQueue,
		OutboundQueue:      sc.OutboundQueue,
		MaxFrameSize:       sc.MaxFrameSize,
		Username:           sc.Username,
		Password:           sc.Password,
	}
	if err := cfg.Validate(); err != nil {
		return SessionSpec{}, err
	}

	spec := SessionSpec{Session: cfg}
	if role == session.RoleInitiator {
		if sc.Address == "" {
			return SessionSpec{}, errors.Wrap(exception.ErrConfigInvalid, cfg.ID.String()+" initiator has no address")
		}
		spec.Dial = &transport.InitiatorConfig{
			Network: sc.Network,
			Address: sc.Address,
			Backoff: transport.Backoff{
				Min:    sc.Backoff.Min,
				Max:    sc.Backoff.Max,
				Factor: sc.Backoff.Factor,
				Jitter: sc.Backoff.Jitter,
			},
		}
	}
	return spec, nil
}
