// Package config loads the meshxfer node configuration from YAML, the
// environment and command-line overrides.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

type Config struct {
    // NodeID is this node's mesh address, "!hex".
    NodeID string `mapstructure:"node_id"`
    // DataDir roots the file store; transfer paths are relative to it.
    DataDir string `mapstructure:"data_dir"`

    Log        LogConfig         `mapstructure:"log"`
    Transports []TransportConfig `mapstructure:"transports"`
    Transfer   TransferConfig    `mapstructure:"transfer"`
    Status     StatusConfig      `mapstructure:"status"`
    Outbox     OutboxConfig      `mapstructure:"outbox"`
    History    HistoryConfig     `mapstructure:"history"`
}

// TransferConfig tunes the ARQ endpoints and the session manager.
type TransferConfig struct {
    MaxConcurrent         int           `mapstructure:"max_concurrent"`
    MaxRetrans            int           `mapstructure:"max_retrans"`
    TransferTimeout       time.Duration `mapstructure:"transfer_timeout"`
    SessionTimeout        time.Duration `mapstructure:"session_timeout"`
    GCInterval            time.Duration `mapstructure:"gc_interval"`
    StatsInterval         time.Duration `mapstructure:"stats_interval"`
    TickInterval          time.Duration `mapstructure:"tick_interval"`
    RemovePartialOnCancel bool          `mapstructure:"remove_partial_on_cancel"`
    // WireFormat selects the data-port encoding: binary or protobuf.
    WireFormat string `mapstructure:"wire_format"`
    HopLimit   int    `mapstructure:"hop_limit"`
}

type StatusConfig struct {
    Enable bool   `mapstructure:"enable"`
    Listen string `mapstructure:"listen"`
}

// OutboxConfig enables the watched directory. Dir must live inside DataDir.
type OutboxConfig struct {
    Enable   bool          `mapstructure:"enable"`
    Dir      string        `mapstructure:"dir"`
    Debounce time.Duration `mapstructure:"debounce"`
}

type HistoryConfig struct {
    TTL      time.Duration `mapstructure:"ttl"`
    MaxBytes uint64        `mapstructure:"max_bytes"`
}

// Default is the configuration used for every key the file and the
// environment leave unset.
func Default() *Config {
    return &Config{
        NodeID:     "!00000001",
        DataDir:    "./data",
        Log:        defaultLog(),
        Transports: []TransportConfig{{Kind: "udp", Listen: ":4403"}},
        Transfer: TransferConfig{
            MaxConcurrent:         5,
            MaxRetrans:            25,
            TransferTimeout:       30 * time.Second,
            SessionTimeout:        60 * time.Second,
            GCInterval:            10 * time.Second,
            StatsInterval:         30 * time.Second,
            TickInterval:          250 * time.Millisecond,
            RemovePartialOnCancel: true,
            WireFormat:            "binary",
            HopLimit:              3,
        },
        Status:  StatusConfig{Enable: true, Listen: "127.0.0.1:8089"},
        Outbox:  OutboxConfig{Dir: "./data/outbox", Debounce: 2 * time.Second},
        History: HistoryConfig{TTL: 24 * time.Hour, MaxBytes: 8 << 20},
    }
}

// defaults flattens c into viper keys so env-only setups see every key.
func (c *Config) defaults() map[string]any {
    d := map[string]any{
        "node_id":    c.NodeID,
        "data_dir":   c.DataDir,
        "transports": c.Transports,

        "transfer.max_concurrent":           c.Transfer.MaxConcurrent,
        "transfer.max_retrans":              c.Transfer.MaxRetrans,
        "transfer.transfer_timeout":         c.Transfer.TransferTimeout,
        "transfer.session_timeout":          c.Transfer.SessionTimeout,
        "transfer.gc_interval":              c.Transfer.GCInterval,
        "transfer.stats_interval":           c.Transfer.StatsInterval,
        "transfer.tick_interval":            c.Transfer.TickInterval,
        "transfer.remove_partial_on_cancel": c.Transfer.RemovePartialOnCancel,
        "transfer.wire_format":              c.Transfer.WireFormat,
        "transfer.hop_limit":                c.Transfer.HopLimit,

        "status.enable":     c.Status.Enable,
        "status.listen":     c.Status.Listen,
        "outbox.enable":     c.Outbox.Enable,
        "outbox.dir":        c.Outbox.Dir,
        "outbox.debounce":   c.Outbox.Debounce,
        "history.ttl":       c.History.TTL,
        "history.max_bytes": c.History.MaxBytes,
    }
    for k, v := range c.Log.defaults() { d[k] = v }
    return d
}

// Load reads path, or when empty $MESHXFER_CONFIG, or meshxfer.yaml from
// ".", "./configs" and "~/.meshxfer". A missing file is not an error.
// Environment variables override the file: MESHXFER_ plus the key with
// "." and "-" turned into "_", e.g. MESHXFER_TRANSFER_MAX_CONCURRENT=3.
func Load(path string) (*Config, error) { return LoadWith(path, nil) }

// LoadWith is Load with explicit key overrides (e.g. from command-line
// flags) that take precedence over the file and the environment. Empty
// string values are ignored.
func LoadWith(path string, set map[string]any) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MESHXFER")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()
    for k, val := range cfg.defaults() { v.SetDefault(k, val) }

    if path == "" { path = os.Getenv("MESHXFER_CONFIG") }
    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("meshxfer")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil { v.AddConfigPath(filepath.Join(home, ".meshxfer")) }
    }
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) { return nil, fmt.Errorf("read config: %w", err) }
    }

    for k, val := range set {
        if str, ok := val.(string); ok && str == "" { continue }
        v.Set(k, val)
    }

    if err := v.Unmarshal(cfg); err != nil { return nil, fmt.Errorf("decode config: %w", err) }
    if err := cfg.validate(); err != nil { return nil, err }
    return cfg, nil
}

// Node returns the parsed node id. Valid after Load.
func (c *Config) Node() mesh.NodeNum {
    n, _ := mesh.ParseNodeNum(c.NodeID)
    return n
}

func (c *Config) validate() error {
    switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
    case "debug", "info", "warn", "warning", "error":
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" { c.Log.Format = "console" }
    if len(c.Log.Outputs) == 0 { c.Log.Outputs = []string{"stdout"} }

    if n, err := mesh.ParseNodeNum(c.NodeID); err != nil || !n.IsUnicast() {
        return fmt.Errorf("invalid node_id: %q", c.NodeID)
    }
    if strings.TrimSpace(c.DataDir) == "" { return errors.New("data_dir is required") }
    switch strings.ToLower(c.Transfer.WireFormat) {
    case "", "binary", "protobuf", "proto":
    default:
        return fmt.Errorf("invalid transfer.wire_format: %q", c.Transfer.WireFormat)
    }
    if c.Transfer.HopLimit < 0 || c.Transfer.HopLimit > 255 {
        return fmt.Errorf("transfer.hop_limit must be within 0..255, got %d", c.Transfer.HopLimit)
    }
    if c.Transfer.MaxConcurrent < 1 {
        return fmt.Errorf("transfer.max_concurrent must be positive, got %d", c.Transfer.MaxConcurrent)
    }
    if len(c.Transports) == 0 { return errors.New("at least one transport is required") }
    for i := range c.Transports {
        if err := c.Transports[i].validate(); err != nil { return fmt.Errorf("transports[%d]: %w", i, err) }
    }
    return nil
}
