// Package observability builds the process logger.
package observability

import (
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "github.com/meshtastic/firmware-sub008/pkg/config"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

// SetupLogger installs a logger writing every configured output and tagging
// each entry with the local node. The stdlib log package is routed into it.
// Callers defer Sync.
func SetupLogger(c config.LogConfig, node mesh.NodeNum) (*zap.Logger, error) {
    level := zap.NewAtomicLevelAt(ParseLevel(c.Level))
    enc := encoder(c)

    cores := make([]zapcore.Core, 0, len(c.Outputs))
    for _, out := range c.Outputs {
        ws, err := sink(out, c.Rotation)
        if err != nil { return nil, err }
        cores = append(cores, zapcore.NewCore(enc, ws, level))
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel), zap.Fields(zap.Stringer("local", node))}
    if c.Development { opts = append(opts, zap.Development()) }
    lg := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(lg)
    _, _ = zap.RedirectStdLogAt(lg, zap.InfoLevel)
    return lg, nil
}

// ParseLevel maps a configured level name; unknown names mean info.
func ParseLevel(s string) zapcore.Level {
    var l zapcore.Level
    switch s = strings.ToLower(strings.TrimSpace(s)); s {
    case "warning":
        return zap.WarnLevel
    case "debug", "warn", "error":
        _ = l.Set(s)
        return l
    }
    return zap.InfoLevel
}

func encoder(c config.LogConfig) zapcore.Encoder {
    ec := zap.NewProductionEncoderConfig()
    ec.EncodeTime = zapcore.ISO8601TimeEncoder
    if c.Development {
        ec = zap.NewDevelopmentEncoderConfig()
        ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
    }
    if strings.EqualFold(c.Format, "json") { return zapcore.NewJSONEncoder(ec) }
    return zapcore.NewConsoleEncoder(ec)
}

// sink opens one output. Files rotate through lumberjack when enabled,
// otherwise they are appended to.
func sink(out string, r config.RotationConfig) (zapcore.WriteSyncer, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.Lock(os.Stdout), nil
    case "stderr":
        return zapcore.Lock(os.Stderr), nil
    }
    if r.Enable {
        name := out
        if f := strings.TrimSpace(r.Filename); f != "" { name = f }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   name,
            MaxSize:    max(r.MaxSizeMB, 10),
            MaxBackups: max(r.MaxBackups, 1),
            MaxAge:     max(r.MaxAgeDays, 7),
            Compress:   r.Compress,
        }), nil
    }
    if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil { return nil, fmt.Errorf("log output %s: %w", out, err) }
    f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
    if err != nil { return nil, fmt.Errorf("log output %s: %w", out, err) }
    return zapcore.AddSync(f), nil
}
