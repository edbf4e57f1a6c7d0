package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/broadcast"
	"github.com/nomis52/minion/buildinfo"
	"github.com/nomis52/minion/logging"
	"github.com/nomis52/minion/proxy"
	"github.com/nomis52/minion/stream"
	"github.com/nomis52/minion/work"
)

type Args struct {
	NodeURL     string
	User        string
	Peer        string
	Name        string
	StepMillis  int64
	ShowVersion bool
	Command     []string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ShowVersion {
		showVersion()
		return nil
	}
	if len(args.Command) == 0 {
		flag.Usage()
		return fmt.Errorf("a command is required")
	}

	logger, err := logging.New(logging.Config{Level: "warn", Format: "text"}, logging.WithWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if args.User != "" {
		ctx = activity.WithUser(ctx, args.User)
	}

	node := stream.Peer{Name: "node", URL: args.NodeURL}

	switch cmd, rest := args.Command[0], args.Command[1:]; cmd {
	case "watch":
		return watch(ctx, node, logger, os.Stdout)
	case "cancel":
		if len(rest) != 1 {
			return fmt.Errorf("usage: cancel <activity-id>")
		}
		return proxy.NewClient(proxy.NewHTTPClient(0)).CancelActivity(ctx, node, rest[0])
	case "run":
		if len(rest) != 1 {
			return fmt.Errorf("usage: run <steps>")
		}
		steps, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid step count %q: %w", rest[0], err)
		}
		return runWork(ctx, node, args, steps)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// watch prints every snapshot pushed by the node until ctx is cancelled or
// the node closes the stream.
func watch(ctx context.Context, node stream.Peer, logger *slog.Logger, out io.Writer) error {
	url, err := node.StreamURL(proxy.StreamPath)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	dialer := stream.NewWebSocketDialer(0, logger)
	s, err := dialer.Dial(ctx, url, stream.Handlers{
		OnEvent: func(ev stream.Event) {
			if ev.Name != broadcast.EventName {
				return
			}
			var snapshots []activity.Snapshot
			if err := ev.Decode(&snapshots); err != nil {
				logger.Warn("dropping malformed snapshot", "error", err)
				return
			}
			fmt.Fprintf(out, "--- %s\n%s", time.Now().Format(time.TimeOnly), formatSnapshots(snapshots))
		},
		OnError:    func(err error) { logger.Warn("stream error", "error", err) },
		OnComplete: func() { close(done) },
	})
	if err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

func runWork(ctx context.Context, node stream.Peer, args Args, steps int64) error {
	req := work.Request{Name: args.Name, Steps: steps, StepMillis: args.StepMillis}
	// No timeout: work runs until it completes or is cancelled.
	client := work.NewClient(&http.Client{Transport: &proxy.Transport{}})

	var (
		result work.Result
		err    error
	)
	if args.Peer != "" {
		result, err = client.SubmitVia(ctx, node, args.Peer, req)
	} else {
		result, err = client.Submit(ctx, node, req)
	}
	if err != nil {
		return err
	}

	status := "completed"
	if result.Cancelled {
		status = "cancelled"
	}
	fmt.Printf("%s %s: %s after %d/%d steps in %s\n", result.Name, result.ID, status,
		result.Completed, result.Steps, time.Duration(result.Duration)*time.Millisecond)
	return nil
}

// formatSnapshots renders activities as a tree, children indented under their
// parents and siblings in start order.
func formatSnapshots(snapshots []activity.Snapshot) string {
	if len(snapshots) == 0 {
		return "(no activities)\n"
	}

	known := make(map[string]bool, len(snapshots))
	for _, s := range snapshots {
		known[s.ID] = true
	}
	children := make(map[string][]activity.Snapshot)
	for _, s := range snapshots {
		parent := s.ParentID
		if !known[parent] {
			parent = ""
		}
		children[parent] = append(children[parent], s)
	}
	for _, c := range children {
		sort.SliceStable(c, func(i, j int) bool { return c[i].Duration > c[j].Duration })
	}

	var b strings.Builder
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, s := range children[parent] {
			fmt.Fprintf(&b, "%s%s %s", strings.Repeat("  ", depth), s.ID, s.Name)
			if s.Max == activity.Indeterminate {
				fmt.Fprintf(&b, " [%d]", s.Current)
			} else {
				fmt.Fprintf(&b, " [%d/%d]", s.Current, s.Max)
			}
			if s.User != "" {
				fmt.Fprintf(&b, " user=%s", s.User)
			}
			if len(s.Scope) > 0 {
				fmt.Fprintf(&b, " scope=%s", strings.Join(s.Scope, "/"))
			}
			if s.CancelRequested {
				b.WriteString(" (cancelling)")
			}
			b.WriteString("\n")
			walk(s.ID, depth+1)
		}
	}
	walk("", 0)
	return b.String()
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("minion\n")
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
}

func parseArgs() Args {
	node := flag.String("node", "http://localhost:8080", "Base URL of the node")
	user := flag.String("user", "", "User to run work as")
	peer := flag.String("peer", "", "Run work on this peer of the node")
	name := flag.String("name", "", "Name of the work activity")
	stepMillis := flag.Int64("step-ms", 1000, "Duration of each work step in milliseconds")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nMinion client\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  watch          Print activities as the node pushes them\n")
		fmt.Fprintf(os.Stderr, "  cancel <id>    Request cancellation of an activity\n")
		fmt.Fprintf(os.Stderr, "  run <steps>    Run work on the node, or on one of its peers\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --node http://node1:8080 watch\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --node http://node1:8080 --peer node2 run 30\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --version\n", os.Args[0])
	}

	flag.Parse()

	return Args{
		NodeURL:     *node,
		User:        *user,
		Peer:        *peer,
		Name:        *name,
		StepMillis:  *stepMillis,
		ShowVersion: *showVersion || *versionShort,
		Command:     flag.Args(),
	}
}
