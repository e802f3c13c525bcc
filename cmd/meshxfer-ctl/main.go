package main

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "os"
    "strconv"
    "text/tabwriter"
    "time"

    "github.com/akamensky/argparse"

    "github.com/meshtastic/firmware-sub008/pkg/session"
    "github.com/meshtastic/firmware-sub008/pkg/statusapi"
)

func main() {
    p := argparse.NewParser("meshxfer-ctl", "Inspect and drive a running meshxfer-node")
    addr := p.String("a", "addr", &argparse.Options{Help: "Status API address", Default: "127.0.0.1:8089"})
    timeout := p.Int("t", "timeout", &argparse.Options{Help: "Request timeout in seconds", Default: 5})

    sessionsCmd := p.NewCommand("sessions", "List active transfer sessions")
    statsCmd := p.NewCommand("stats", "Show session manager counters")
    historyCmd := p.NewCommand("history", "Show finished transfers, newest first")
    limit := historyCmd.Int("n", "limit", &argparse.Options{Help: "Number of entries", Default: 20})
    sendCmd := p.NewCommand("send", "Send a file from the node to another node")
    sendTo := sendCmd.String("d", "dest", &argparse.Options{Required: true, Help: "Destination node, e.g. !0a0b0c0d"})
    sendFile := sendCmd.String("f", "file", &argparse.Options{Required: true, Help: "Path inside the node's data dir, starting with /"})
    recvCmd := p.NewCommand("recv", "Wait on the node for a file sent by another node")
    recvFile := recvCmd.String("f", "file", &argparse.Options{Required: true, Help: "Path to save to, starting with /"})
    recvFrom := recvCmd.String("r", "remote", &argparse.Options{Help: "Arm the receiver on this remote node instead"})

    if err := p.Parse(os.Args); err != nil {
        fmt.Fprint(os.Stderr, p.Usage(err))
        os.Exit(2)
    }

    ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
    defer cancel()
    c := client{base: "http://" + *addr, http: &http.Client{}}

    var err error
    switch {
    case sessionsCmd.Happened():
        var list []session.Info
        if err = c.get(ctx, "/api/sessions", &list); err == nil { printSessions(list) }
    case statsCmd.Happened():
        var st session.Stats
        if err = c.get(ctx, "/api/stats", &st); err == nil { printStats(st) }
    case historyCmd.Happened():
        var list []session.Summary
        if err = c.get(ctx, "/api/history?limit="+strconv.Itoa(*limit), &list); err == nil { printHistory(list) }
    case sendCmd.Happened():
        err = c.command(ctx, "/api/commands", statusapi.CommandRequest{Command: "SEND:" + *sendTo + ":" + *sendFile})
    case recvCmd.Happened():
        if *recvFrom != "" {
            err = c.command(ctx, "/api/remote", statusapi.CommandRequest{Command: "RECV:" + *recvFile, To: *recvFrom})
        } else {
            err = c.command(ctx, "/api/commands", statusapi.CommandRequest{Command: "RECV:" + *recvFile})
        }
    }
    if err != nil { fatalf("%v", err) }
}

type client struct {
    base string
    http *http.Client
}

func (c client) get(ctx context.Context, path string, out any) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
    if err != nil { return err }
    req.Header.Set("Accept", "application/json")
    resp, err := c.http.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return err }
    if resp.StatusCode != http.StatusOK { return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(b)) }
    return json.Unmarshal(b, out)
}

func (c client) command(ctx context.Context, path string, body statusapi.CommandRequest) error {
    b, err := json.Marshal(body)
    if err != nil { return err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
    if err != nil { return err }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("Accept", "application/json")
    resp, err := c.http.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    raw, err := io.ReadAll(resp.Body)
    if err != nil { return err }

    var out struct {
        statusapi.CommandResponse
        Error string `json:"error"`
    }
    _ = json.Unmarshal(raw, &out)
    switch {
    case out.Reply != "":
        fmt.Println(out.Reply)
    case out.Error != "":
        return fmt.Errorf("%s: %s", resp.Status, out.Error)
    case resp.StatusCode == http.StatusAccepted:
        fmt.Println("command sent to", body.To)
    }
    if !out.OK { return fmt.Errorf("%s", resp.Status) }
    return nil
}

func printSessions(list []session.Info) {
    if len(list) == 0 {
        fmt.Println("no active sessions")
        return
    }
    tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
    fmt.Fprintln(tw, "ID\tREMOTE\tDIR\tSTATE\tBYTES\tRETRANS\tFILE")
    for _, s := range list {
        fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n", s.ID, s.Remote, s.Direction, s.State, s.BytesTransferred, s.Retransmits, s.Filename)
    }
    _ = tw.Flush()
}

func printStats(st session.Stats) {
    fmt.Printf("active=%d/%d started=%d completed=%d failed=%d rejected=%d\n",
        st.Active, st.Limit, st.Started, st.Completed, st.Failed, st.Rejected)
    printSessions(st.Sessions)
}

func printHistory(list []session.Summary) {
    tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
    fmt.Fprintln(tw, "FINISHED\tREMOTE\tDIR\tSTATE\tBYTES\tTOOK\tFILE\tREASON")
    for _, s := range list {
        fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n", s.Finished.Format(time.RFC3339), s.Remote, s.Direction,
            s.State, s.BytesTransferred, s.Duration.Round(time.Millisecond), s.Filename, s.Reason)
    }
    _ = tw.Flush()
}

func fatalf(format string, a ...any) {
    fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}
