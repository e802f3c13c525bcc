package main

import (
    "fmt"
    "os"

    "github.com/akamensky/argparse"
)

// Options holds CLI options for the node.
type Options struct {
    ConfigPath string
    NodeID     string
    DataDir    string
    LogLevel   string
    PrintConf  bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
    p := argparse.NewParser("meshxfer-node", "File transfer node for a lossy mesh")
    cfg := p.String("c", "config", &argparse.Options{Help: "Path to YAML config file"})
    node := p.String("n", "node", &argparse.Options{Help: "Override node_id, e.g. !0a0b0c0d"})
    data := p.String("d", "data-dir", &argparse.Options{Help: "Override data_dir"})
    level := p.String("l", "log-level", &argparse.Options{Help: "Override log.level"})
    dump := p.Flag("p", "print-config", &argparse.Options{Help: "Print the effective configuration and exit"})
    if err := p.Parse(args); err != nil {
        return Options{}, fmt.Errorf("%s", p.Usage(err))
    }
    return Options{ConfigPath: *cfg, NodeID: *node, DataDir: *data, LogLevel: *level, PrintConf: *dump}, nil
}

func main() {
    opts, err := ParseFlags(os.Args)
    if err != nil {
        _, _ = os.Stderr.WriteString(err.Error())
        os.Exit(2)
    }
    os.Exit(run(opts))
}
