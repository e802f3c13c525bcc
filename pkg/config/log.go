package config

// LogConfig selects level, encoding and destinations of the process logger.
type LogConfig struct {
    Level   string   `mapstructure:"level"`   // debug | info | warn | error
    Format  string   `mapstructure:"format"`  // console | json
    Outputs []string `mapstructure:"outputs"` // "stdout", "stderr" or file paths

    // Rotation applies to file outputs only.
    Rotation    RotationConfig `mapstructure:"rotation"`
    Development bool           `mapstructure:"development"`
}

// RotationConfig is handed to lumberjack when Enable is set.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"` // overrides the output path
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

func defaultLog() LogConfig {
    return LogConfig{
        Level:       "info",
        Format:      "console",
        Outputs:     []string{"stdout"},
        Development: true,
        Rotation: RotationConfig{
            Filename:   "logs/meshxfer.log",
            MaxSizeMB:  50,
            MaxBackups: 3,
            MaxAgeDays: 28,
            Compress:   true,
        },
    }
}

func (l LogConfig) defaults() map[string]any {
    return map[string]any{
        "log.level":                 l.Level,
        "log.format":                l.Format,
        "log.outputs":               l.Outputs,
        "log.development":           l.Development,
        "log.rotation.enable":       l.Rotation.Enable,
        "log.rotation.filename":     l.Rotation.Filename,
        "log.rotation.max_size_mb":  l.Rotation.MaxSizeMB,
        "log.rotation.max_backups":  l.Rotation.MaxBackups,
        "log.rotation.max_age_days": l.Rotation.MaxAgeDays,
        "log.rotation.compress":     l.Rotation.Compress,
    }
}
