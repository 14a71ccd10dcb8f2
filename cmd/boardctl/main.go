package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tracker-board/board"
	"tracker-board/client"
	"tracker-board/config"
	"tracker-board/domain"
	"tracker-board/session"
	"tracker-board/storage"
)

const usage = `usage: boardctl <command> [flags]

commands:
  login                     verify credentials and print the identity
  logout                    sign in, then invalidate the session
  whoami                    print the identity bound to the session
  projects                  list projects
  show     -project N       render the three board columns
  create   -project N -title T [-desc D] [-status S] [-assignee ID]
  move     -project N -task ID -to S [-index I]
  edit     -project N -task ID [-title T] [-desc D] [-status S] [-assignee ID]
  rm       -project N -task ID
  watch    -project N [-interval D]

credentials come from TRACKER_EMAIL and TRACKER_PASSWORD; the backend root
from TRACKER_API_URL.
`

// Mutations pick this index to append at the end of the target column.
const endOfColumn = 1 << 30

const outcomeTimeout = 2 * time.Minute

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Print(usage)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	app, err := newApp(cfg, logger)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.run(ctx, command, os.Args[2:]); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

// gateway is the slice of the HTTP client the board consumes, optionally
// wrapped by the redis task cache.
type gateway interface {
	board.Source
	board.Mutator
}

type app struct {
	cfg      *config.Config
	logger   *log.Logger
	client   *client.Client
	sessions *session.Manager
	gateway  gateway
	out      io.Writer
}

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	var sessions *session.Manager
	cli, err := client.New(client.Config{
		BaseURL:   cfg.APIURL,
		Timeout:   cfg.Timeout,
		RetryBase: cfg.RetryBase,
		RetryMax:  cfg.RetryMax,
		Logger:    logger,
		OnAuthFailure: func() {
			if sessions != nil {
				sessions.AuthFailed()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	sessions = session.New(cli, func() {
		fmt.Fprintln(os.Stderr, "session expired: check TRACKER_EMAIL and TRACKER_PASSWORD")
	}, logger)

	var gw gateway = cli
	if opts := cfg.RedisOptions(); opts != nil {
		gw = storage.NewTaskCache(cli, redis.NewClient(opts), cfg.CacheTTL, logger)
	}
	return &app{cfg: cfg, logger: logger, client: cli, sessions: sessions, gateway: gw, out: os.Stdout}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return a.cmdLogin(ctx)
	case "logout":
		return a.cmdLogout(ctx)
	case "whoami":
		return a.cmdWhoami(ctx)
	case "projects":
		return a.cmdProjects(ctx)
	case "show":
		return a.cmdShow(ctx, args)
	case "create":
		return a.cmdCreate(ctx, args)
	case "move":
		return a.cmdMove(ctx, args)
	case "edit":
		return a.cmdEdit(ctx, args)
	case "rm":
		return a.cmdRemove(ctx, args)
	case "watch":
		return a.cmdWatch(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// signIn authenticates with the configured credentials when present. The
// cookie lands in the client's jar; commands after this ride on it.
func (a *app) signIn(ctx context.Context) error {
	if a.cfg.Email == "" || a.cfg.Password == "" {
		return errors.New("TRACKER_EMAIL and TRACKER_PASSWORD are required")
	}
	_, err := a.sessions.Login(ctx, a.cfg.Email, a.cfg.Password)
	return err
}

func (a *app) cmdLogin(ctx context.Context) error {
	if err := a.signIn(ctx); err != nil {
		return err
	}
	me, _ := a.sessions.Current()
	fmt.Fprintf(a.out, "signed in as %s <%s> (%s)\n", me.Name, me.Email, me.Role)
	return nil
}

func (a *app) cmdLogout(ctx context.Context) error {
	if err := a.signIn(ctx); err != nil {
		return err
	}
	if err := a.sessions.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "signed out")
	return nil
}

func (a *app) cmdWhoami(ctx context.Context) error {
	if err := a.signIn(ctx); err != nil {
		return err
	}
	me, err := a.sessions.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s <%s> (%s)\n", me.Name, me.Email, me.Role)
	return nil
}

func (a *app) cmdProjects(ctx context.Context) error {
	if err := a.signIn(ctx); err != nil {
		return err
	}
	projects, err := a.client.ListProjects(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, p := range projects {
		fmt.Fprintf(tw, "%d\t%s\n", p.ID, p.Name)
	}
	return tw.Flush()
}

// openBoard signs in, builds a board over the gateway, and loads the project.
func (a *app) openBoard(ctx context.Context, projectID int64) (*board.Board, error) {
	if err := a.signIn(ctx); err != nil {
		return nil, err
	}
	b, err := board.New(board.Config{
		Source:   a.gateway,
		Mutator:  a.gateway,
		Logger:   a.logger,
		ReadOnly: a.cfg.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Load(ctx, projectID); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *app) roster(ctx context.Context, projectID int64) domain.Roster {
	members, err := a.client.ListMembers(ctx, projectID)
	if err != nil {
		a.logger.WithFields(log.Fields{"project_id": projectID, "error": err.Error()}).Warn("roster unavailable")
		return domain.Roster{}
	}
	return domain.NewRoster(members)
}

func (a *app) cmdShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}
	renderBoard(a.out, b, a.roster(ctx, *projectID))
	return nil
}

func (a *app) cmdCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	title := fs.String("title", "", "task title")
	desc := fs.String("desc", "", "task description")
	status := fs.String("status", "", "target column (defaults to To Do)")
	assignee := fs.Int64("assignee", 0, "assignee member id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}
	draft := domain.TaskDraft{
		Title:       *title,
		Description: *desc,
		ProjectID:   *projectID,
		Status:      domain.Status(*status),
	}
	if *assignee > 0 {
		draft.AssigneeID = assignee
	}
	task, err := b.Create(ctx, draft)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created #%d %q in %s\n", task.ID, task.Title, task.Status)
	return nil
}

func (a *app) cmdMove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	taskID := fs.Int64("task", 0, "task id")
	to := fs.String("to", "", "target column")
	index := fs.Int("index", -1, "position in the target column (default: end)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := domain.ParseStatus(*to)
	if err != nil {
		return err
	}
	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}

	at := *index
	if at < 0 {
		at = endOfColumn
	}
	ch := b.Watch()
	defer b.Unwatch(ch)
	if err := b.Move(*taskID, target, at); err != nil {
		return err
	}
	ev, err := waitOutcome(ctx, ch, *taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "moved #%d to %s\n", ev.Task.ID, ev.Task.Status)
	return nil
}

func (a *app) cmdEdit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	taskID := fs.Int64("task", 0, "task id")
	title := fs.String("title", "", "new title")
	desc := fs.String("desc", "", "new description")
	status := fs.String("status", "", "new column")
	assignee := fs.Int64("assignee", 0, "new assignee member id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var patch domain.TaskPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "title":
			patch.Title = title
		case "desc":
			patch.Description = desc
		case "status":
			st := domain.Status(*status)
			patch.Status = &st
		case "assignee":
			patch.AssigneeID = assignee
		}
	})

	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}
	ch := b.Watch()
	defer b.Unwatch(ch)
	if err := b.Edit(*taskID, patch); err != nil {
		return err
	}
	ev, err := waitOutcome(ctx, ch, *taskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "updated #%d %q in %s\n", ev.Task.ID, ev.Task.Title, ev.Task.Status)
	return nil
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	taskID := fs.Int64("task", 0, "task id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}
	ch := b.Watch()
	defer b.Unwatch(ch)
	if err := b.Remove(*taskID); err != nil {
		return err
	}
	if _, err := waitOutcome(ctx, ch, *taskID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed #%d\n", *taskID)
	return nil
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "project id")
	interval := fs.Duration("interval", 5*time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	b, err := a.openBoard(ctx, *projectID)
	if err != nil {
		return err
	}
	roster := a.roster(ctx, *projectID)

	var last string
	render := func() {
		var sb strings.Builder
		renderBoard(&sb, b, roster)
		if sb.String() == last {
			return
		}
		last = sb.String()
		fmt.Fprintf(a.out, "-- %s --\n%s", time.Now().Format(time.TimeOnly), last)
	}
	render()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Load(ctx, *projectID); err != nil {
				a.logger.WithFields(log.Fields{"error": err.Error()}).Warn("refresh failed")
				continue
			}
			render()
		}
	}
}

// waitOutcome blocks until the queued persist for the task commits or rolls
// back.
func waitOutcome(ctx context.Context, ch chan board.Event, taskID int64) (board.Event, error) {
	deadline := time.NewTimer(outcomeTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Task.ID != taskID {
				continue
			}
			switch ev.Type {
			case board.EventCommitted, board.EventRemoved:
				return ev, nil
			case board.EventRolledBack:
				return board.Event{}, ev.Err
			}
		case <-ctx.Done():
			return board.Event{}, ctx.Err()
		case <-deadline.C:
			return board.Event{}, errors.New("timed out waiting for the persist outcome")
		}
	}
}

func renderBoard(w io.Writer, b *board.Board, roster domain.Roster) {
	snap := b.Snapshot()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range domain.Statuses() {
		fmt.Fprintf(tw, "%s (%d)\t\t\n", st, len(snap[st]))
		for i, t := range snap[st] {
			fmt.Fprintf(tw, "  %d.\t#%d %s\t%s\n", i+1, t.ID, t.Title, roster.DisplayName(t.AssigneeID))
		}
	}
	tw.Flush()
}
