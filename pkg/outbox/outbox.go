// Package outbox turns files dropped into a watched directory into SEND
// commands. A file at <dir>/<!node>/<name> is sent to that node once it has
// stopped changing for the debounce period.
package outbox

import (
    "context"
    "errors"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/fsnotify/fsnotify"
    "go.uber.org/zap"

    "github.com/meshtastic/firmware-sub008/pkg/mesh"
)

const DefaultDebounce = 2 * time.Second

// Submitter runs a command on the local node.
type Submitter interface {
    Submit(ctx context.Context, text string) (string, error)
}

// PathMapper converts a host path into the file store's namespace.
type PathMapper interface {
    StorePath(local string) (string, error)
}

type Config struct {
    Dir      string
    Debounce time.Duration
    Logger   *zap.Logger
    Now      func() time.Time
}

type pending struct {
    dest     mesh.NodeNum
    lastSeen time.Time
}

type Watcher struct {
    cfg   Config
    sub   Submitter
    paths PathMapper
    log   *zap.Logger
    w     *fsnotify.Watcher

    pending map[string]pending
    sent    map[string]time.Time // path -> mod time that was submitted
}

func New(cfg Config, sub Submitter, paths PathMapper) (*Watcher, error) {
    if cfg.Dir == "" { return nil, errors.New("outbox: no directory configured") }
    if cfg.Debounce <= 0 { cfg.Debounce = DefaultDebounce }
    if cfg.Logger == nil { cfg.Logger = zap.L() }
    if cfg.Now == nil { cfg.Now = time.Now }
    if err := os.MkdirAll(cfg.Dir, 0o755); err != nil { return nil, err }
    fw, err := fsnotify.NewWatcher()
    if err != nil { return nil, err }
    o := &Watcher{cfg: cfg, sub: sub, paths: paths, log: cfg.Logger.Named("outbox"), w: fw,
        pending: make(map[string]pending), sent: make(map[string]time.Time)}
    if err := fw.Add(cfg.Dir); err != nil { _ = fw.Close(); return nil, err }
    return o, nil
}

// Run watches until ctx ends. Files present at start are picked up too.
func (o *Watcher) Run(ctx context.Context) error {
    defer o.w.Close()
    o.scan()
    o.log.Info("watching outbox", zap.String("dir", o.cfg.Dir), zap.Duration("debounce", o.cfg.Debounce))
    tick := time.NewTicker(o.cfg.Debounce / 4)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case ev, ok := <-o.w.Events:
            if !ok { return nil }
            o.handleEvent(ev)
        case err, ok := <-o.w.Errors:
            if !ok { return nil }
            o.log.Warn("watcher error", zap.Error(err))
        case <-tick.C:
            o.flush(ctx, o.cfg.Now())
        }
    }
}

func (o *Watcher) scan() {
    entries, err := os.ReadDir(o.cfg.Dir)
    if err != nil {
        o.log.Warn("scan outbox", zap.Error(err))
        return
    }
    for _, e := range entries {
        if !e.IsDir() { continue }
        dir := filepath.Join(o.cfg.Dir, e.Name())
        o.watchNodeDir(dir)
        files, _ := os.ReadDir(dir)
        for _, f := range files { o.note(filepath.Join(dir, f.Name())) }
    }
}

func (o *Watcher) watchNodeDir(dir string) {
    if _, err := mesh.ParseNodeNum(filepath.Base(dir)); err != nil {
        o.log.Debug("ignoring directory", zap.String("dir", dir))
        return
    }
    if err := o.w.Add(dir); err != nil { o.log.Warn("watch", zap.String("dir", dir), zap.Error(err)) }
}

func (o *Watcher) handleEvent(ev fsnotify.Event) {
    if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) { return }
    if filepath.Dir(ev.Name) == filepath.Clean(o.cfg.Dir) {
        if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
            o.watchNodeDir(ev.Name)
            // files may have landed before the watch was added
            files, _ := os.ReadDir(ev.Name)
            for _, f := range files { o.note(filepath.Join(ev.Name, f.Name())) }
        }
        return
    }
    o.note(ev.Name)
}

// note records activity on a candidate file and restarts its debounce.
func (o *Watcher) note(path string) {
    if strings.HasPrefix(filepath.Base(path), ".") { return }
    dest, err := mesh.ParseNodeNum(filepath.Base(filepath.Dir(path)))
    if err != nil || !dest.IsUnicast() { return }
    fi, err := os.Stat(path)
    if err != nil || !fi.Mode().IsRegular() { return }
    o.pending[path] = pending{dest: dest, lastSeen: o.cfg.Now()}
}

func (o *Watcher) flush(ctx context.Context, now time.Time) {
    for path, p := range o.pending {
        if now.Sub(p.lastSeen) < o.cfg.Debounce { continue }
        delete(o.pending, path)
        fi, err := os.Stat(path)
        if err != nil || !fi.Mode().IsRegular() { continue }
        if mt, ok := o.sent[path]; ok && mt.Equal(fi.ModTime()) { continue }
        o.submit(ctx, path, p.dest, fi.ModTime())
    }
}

func (o *Watcher) submit(ctx context.Context, path string, dest mesh.NodeNum, mod time.Time) {
    sp, err := o.paths.StorePath(path)
    if err != nil {
        o.log.Warn("file outside the store", zap.String("path", path), zap.Error(err))
        return
    }
    cmd := "SEND:" + dest.String() + ":" + sp
    reply, err := o.sub.Submit(ctx, cmd)
    if err != nil {
        o.log.Warn("submit", zap.String("command", cmd), zap.Error(err))
        if ctx.Err() == nil { o.pending[path] = pending{dest: dest, lastSeen: o.cfg.Now()} }
        return
    }
    if !strings.HasPrefix(reply, "OK:") {
        o.log.Warn("outbox send rejected", zap.String("file", sp), zap.Stringer("node", dest), zap.String("reply", reply))
        if busy(reply) { o.pending[path] = pending{dest: dest, lastSeen: o.cfg.Now()} }
        return
    }
    o.sent[path] = mod
    o.log.Info("outbox send started", zap.String("file", sp), zap.Stringer("node", dest))
}

// busy reports whether a rejection is temporary.
func busy(reply string) bool {
    return strings.Contains(reply, "already in progress") || strings.Contains(reply, "Maximum concurrent")
}
