package main

import (
    "context"
    "encoding/json"
    "errors"
    "os"
    "os/signal"
    "sync"
    "syscall"

    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/codec"
    "github.com/meshtastic/firmware-sub008/pkg/config"
    "github.com/meshtastic/firmware-sub008/pkg/fsstore"
    "github.com/meshtastic/firmware-sub008/pkg/history"
    "github.com/meshtastic/firmware-sub008/pkg/memkv"
    "github.com/meshtastic/firmware-sub008/pkg/mesh"
    "github.com/meshtastic/firmware-sub008/pkg/node"
    "github.com/meshtastic/firmware-sub008/pkg/observability"
    "github.com/meshtastic/firmware-sub008/pkg/outbox"
    "github.com/meshtastic/firmware-sub008/pkg/session"
    "github.com/meshtastic/firmware-sub008/pkg/statusapi"
    "github.com/meshtastic/firmware-sub008/pkg/transfer"
    "github.com/meshtastic/firmware-sub008/pkg/xmodem"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.LoadWith(opts.ConfigPath, map[string]any{
        "node_id":   opts.NodeID,
        "data_dir":  opts.DataDir,
        "log.level": opts.LogLevel,
    })
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.PrintConf {
        b, _ := json.MarshalIndent(cfg, "", "  ")
        _, _ = os.Stdout.Write(append(b, '\n'))
        return 0
    }

    logger, err := observability.SetupLogger(cfg.Log, cfg.Node())
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("meshxfer-node started", zap.Stringer("node", cfg.Node()))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    store, err := fsstore.NewDirStore(cfg.DataDir)
    if err != nil {
        zap.L().Error("open data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
        return 1
    }
    reg, err := codec.NewRegistry()
    if err != nil {
        zap.L().Error("codec registry", zap.Error(err))
        return 1
    }
    wire, err := xmodem.CodecByName(cfg.Transfer.WireFormat)
    if err != nil {
        zap.L().Error("wire format", zap.Error(err))
        return 1
    }

    // transfer history lives in memory only
    kv := memkv.New(memkv.Options{MaxBytes: cfg.History.MaxBytes})
    defer kv.Close()
    hist := history.New(kv, reg.Get("application/cbor"), cfg.History.TTL, logger)

    n := node.New(node.Options{
        Local: cfg.Node(),
        Session: session.Config{
            MaxConcurrent:  cfg.Transfer.MaxConcurrent,
            SessionTimeout: cfg.Transfer.SessionTimeout,
            GCInterval:     cfg.Transfer.GCInterval,
            StatsInterval:  cfg.Transfer.StatsInterval,
            Endpoint: transfer.Options{
                MaxRetrans:          cfg.Transfer.MaxRetrans,
                Timeout:             cfg.Transfer.TransferTimeout,
                KeepPartialOnCancel: !cfg.Transfer.RemovePartialOnCancel,
            },
        },
        TickInterval: cfg.Transfer.TickInterval,
        Codec:        wire,
        HopLimit:     uint8(cfg.Transfer.HopLimit),
        History:      hist,
        OnReply: func(from mesh.NodeNum, text string) {
            _, _ = os.Stdout.WriteString(from.String() + ": " + text + "\n")
        },
        Logger: logger,
    }, store)
    if err := n.OpenLinks(cfg.Transports); err != nil {
        zap.L().Error("failed to start transports", zap.Error(err))
        return 1
    }

    var wg sync.WaitGroup
    if cfg.Status.Enable {
        srv := statusapi.New(n, reg, logger)
        wg.Add(1)
        go func() {
            defer wg.Done()
            if err := srv.ListenAndServe(ctx, cfg.Status.Listen); err != nil {
                zap.L().Error("status api stopped", zap.Error(err))
            }
        }()
    }
    if cfg.Outbox.Enable {
        w, err := outbox.New(outbox.Config{Dir: cfg.Outbox.Dir, Debounce: cfg.Outbox.Debounce, Logger: logger}, n, store)
        if err != nil {
            zap.L().Error("outbox", zap.String("dir", cfg.Outbox.Dir), zap.Error(err))
            stop()
            wg.Wait()
            _ = n.CloseLinks()
            return 1
        }
        wg.Add(1)
        go func() {
            defer wg.Done()
            if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
                zap.L().Error("outbox stopped", zap.Error(err))
            }
        }()
    }

    zap.L().Info("node is running; press Ctrl+C to exit")
    err = n.Run(ctx)
    stop()
    wg.Wait()
    if err != nil {
        zap.L().Error("node stopped", zap.Error(err))
        return 1
    }
    zap.L().Info("meshxfer-node stopped")
    return 0
}
