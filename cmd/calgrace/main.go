package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbaechler/calgrace/internal/calendar"
	"github.com/mbaechler/calgrace/internal/davclient"
)

const usage = `usage: calgrace <command> [flags]

commands:
  list    list events under a calendar path
  get     fetch an event by path
  create  create an event from a JSON shell (stdin or --file)
  modify  replace an event from a JSON shell (stdin or --file)
  remove  delete an event
  rsvp    change participation status for one or more attendees
  cancel  cancel a pending grace-period task
  watch   stream change notifications to stdout
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "list":
		err = runList(args)
	case "get":
		err = runGet(args)
	case "create":
		err = runCreate(args)
	case "modify":
		err = runModify(args)
	case "remove":
		err = runRemove(args)
	case "rsvp":
		err = runRSVP(args)
	case "cancel":
		err = runCancel(args)
	case "watch":
		err = runWatch(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func commonFlags(fs *flag.FlagSet) (baseURL, token *string, timeout *time.Duration) {
	baseURL = fs.String("base-url", envOrDefault("CALGRACE_BASE_URL", "http://127.0.0.1:8080"), "calgraced base URL")
	token = fs.String("token", strings.TrimSpace(os.Getenv("CALGRACE_TOKEN")), "bearer token")
	timeout = fs.Duration("timeout", 15*time.Second, "per-request timeout")
	return baseURL, token, timeout
}

func newStore(baseURL, token string, timeout time.Duration) *davclient.HTTPStore {
	return davclient.NewHTTPStore(baseURL, token, &http.Client{Timeout: timeout})
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "calendar path (default all calendars)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	shells, err := newStore(*baseURL, *token, *timeout).ListEvents(ctx, *path)
	if err != nil {
		return err
	}
	for _, shell := range shells {
		if err := printJSON(map[string]any{"path": shell.Path, "etag": shell.Etag, "event": shell}); err != nil {
			return err
		}
	}
	return nil
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "event object path")
	_ = fs.Parse(args)
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	shell, err := newStore(*baseURL, *token, *timeout).GetEvent(ctx, *path)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"etag": shell.Etag, "event": shell})
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "event object path")
	file := fs.String("file", "", "JSON event shell file (default stdin)")
	_ = fs.Parse(args)
	if *path == "" {
		return fmt.Errorf("--path is required")
	}
	shell, err := readShell(*file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := newStore(*baseURL, *token, *timeout).CreateEvent(ctx, *path, shell)
	if err != nil {
		return err
	}
	if res.TaskID != "" {
		return printJSON(map[string]any{"taskId": res.TaskID})
	}
	return printJSON(map[string]any{"etag": res.Event.Etag, "event": res.Event})
}

func runModify(args []string) error {
	fs := flag.NewFlagSet("modify", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "event object path")
	etag := fs.String("etag", "", "expected etag of the stored event")
	file := fs.String("file", "", "JSON event shell file (default stdin)")
	_ = fs.Parse(args)
	if *path == "" || *etag == "" {
		return fmt.Errorf("--path and --etag are required")
	}
	shell, err := readShell(*file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	taskID, err := newStore(*baseURL, *token, *timeout).UpdateEvent(ctx, *path, shell, *etag)
	if err != nil {
		return err
	}
	if taskID != "" {
		return printJSON(map[string]any{"taskId": taskID})
	}
	return printJSON(map[string]any{"status": "committed"})
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "event object path")
	etag := fs.String("etag", "", "expected etag of the stored event")
	_ = fs.Parse(args)
	if *path == "" || *etag == "" {
		return fmt.Errorf("--path and --etag are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	taskID, err := newStore(*baseURL, *token, *timeout).DeleteEvent(ctx, *path, *etag)
	if err != nil {
		return err
	}
	if taskID != "" {
		return printJSON(map[string]any{"taskId": taskID})
	}
	return printJSON(map[string]any{"status": "committed"})
}

func runRSVP(args []string) error {
	fs := flag.NewFlagSet("rsvp", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	path := fs.String("path", "", "event object path")
	status := fs.String("status", "", "ACCEPTED, DECLINED, TENTATIVE or NEEDS-ACTION")
	emails := fs.String("emails", "", "comma-separated attendee emails (default all attendees)")
	_ = fs.Parse(args)
	if *path == "" || *status == "" {
		return fmt.Errorf("--path and --status are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	store := newStore(*baseURL, *token, *timeout)
	shell, err := store.GetEvent(ctx, *path)
	if err != nil {
		return err
	}
	var targets []string
	if strings.TrimSpace(*emails) != "" {
		for _, email := range strings.Split(*emails, ",") {
			targets = append(targets, strings.TrimSpace(email))
		}
	}
	if !shell.ChangeParticipation(calendar.ParticipationStatus(strings.ToUpper(*status)), targets) {
		return printJSON(map[string]any{"status": "unchanged"})
	}
	res, err := store.ChangeParticipation(ctx, *path, shell, shell.Etag)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"etag": res.Event.Etag, "event": res.Event})
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	baseURL, token, timeout := commonFlags(fs)
	taskID := fs.String("task", "", "pending task id")
	_ = fs.Parse(args)
	if *taskID == "" {
		return fmt.Errorf("--task is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	status, err := newStore(*baseURL, *token, *timeout).CancelTask(ctx, *taskID)
	if err != nil {
		return err
	}
	if status == calendar.CancelAlreadyCommitted {
		return printJSON(map[string]any{"status": "committed"})
	}
	return printJSON(map[string]any{"status": "cancelled"})
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	baseURL, token, _ := commonFlags(fs)
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	encoder := json.NewEncoder(os.Stdout)
	socket := davclient.DialPush(*baseURL, *token, func(n calendar.Notification) {
		_ = encoder.Encode(n)
	}, log.Default())
	defer socket.Close()

	<-ctx.Done()
	return nil
}

func readShell(file string) (*calendar.EventShell, error) {
	var reader io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		reader = f
	}
	var shell calendar.EventShell
	if err := json.NewDecoder(reader).Decode(&shell); err != nil {
		return nil, fmt.Errorf("invalid event shell: %w", err)
	}
	return &shell, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
