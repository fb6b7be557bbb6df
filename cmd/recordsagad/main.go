// Command recordsagad is the saga orchestrator's CLI entrypoint: it wires
// the SQLite State Store, the Postgres records/drafts adapter, a git working
// tree, and the event bus into one Executor, then runs a single saga
// operation (create/update/publish/archive) or the Recovery Coordinator's
// sweep loop, depending on the subcommand.
//
// Grounded on the teacher pack's cmd/ application-struct shape (see
// axiom-software-co-international-center's per-service main.go): a
// constructor that wires dependencies, a Run that blocks until the context
// is cancelled, and SIGINT/SIGTERM-driven graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	_ "github.com/lib/pq"

	"github.com/randalmurphal/recordsaga/pkg/adapters/db"
	"github.com/randalmurphal/recordsaga/pkg/adapters/fs"
	"github.com/randalmurphal/recordsaga/pkg/adapters/vcs"
	"github.com/randalmurphal/recordsaga/pkg/event"
	"github.com/randalmurphal/recordsaga/pkg/lock"
	"github.com/randalmurphal/recordsaga/pkg/recovery"
	"github.com/randalmurphal/recordsaga/pkg/saga"
	"github.com/randalmurphal/recordsaga/pkg/sagas"
	"github.com/randalmurphal/recordsaga/pkg/store"
)

// app bundles every wired component a subcommand might need, mirroring the
// teacher's per-service application struct.
type app struct {
	exec      *saga.Executor
	coord     *recovery.Coordinator
	sqlDB     *sql.DB
	sqliteStr *store.SQLiteStore
	logger    *slog.Logger
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	stateFlag := flag.NewFlagSet("recordsagad", flag.ExitOnError)
	statePath := stateFlag.String("state", "recordsaga.db", "path to the SQLite saga State Store")
	dsn := stateFlag.String("postgres", "", "Postgres DSN for the records/drafts adapter")
	repoPath := stateFlag.String("repo", "./repo", "path to the git working tree root")

	subcommand := os.Args[1]
	if err := stateFlag.Parse(os.Args[2:]); err != nil {
		logger.Error("parse flags", "error", err)
		os.Exit(2)
	}

	a, err := newApp(*statePath, *dsn, *repoPath, logger)
	if err != nil {
		logger.Error("wire application", "error", err)
		os.Exit(1)
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go awaitShutdown(cancel, logger)

	if err := a.dispatch(ctx, subcommand, stateFlag.Args()); err != nil {
		logger.Error("command failed", "subcommand", subcommand, "error", err)
		os.Exit(1)
	}
}

func newApp(statePath, dsn, repoPath string, logger *slog.Logger) (*app, error) {
	sqliteStore, err := store.NewSQLiteStore(statePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	var repo *vcs.Repo
	if _, statErr := os.Stat(repoPath); os.IsNotExist(statErr) {
		if mkErr := os.MkdirAll(repoPath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create repo dir: %w", mkErr)
		}
		repo, err = vcs.Init(repoPath, author())
	} else {
		repo, err = vcs.Open(repoPath, author())
	}
	if err != nil {
		return nil, fmt.Errorf("open working tree: %w", err)
	}

	if dsn == "" {
		return nil, fmt.Errorf("-postgres DSN is required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repository := db.New(sqlDB)
	if err := repository.CreateSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	bus := event.NewLocalBus(event.BusConfig{BufferSize: 64})
	reindexer := sagas.NewFakeReindexer()
	tree := fs.New(repoPath)

	reg := saga.NewRegistry()
	register := func(def *saga.Definition) {
		reg.Register(saga.NameVersion{Name: def.Name, Version: def.Version}, def)
	}
	register(sagas.NewCreateRecord(repository, tree, repo, bus, reindexer))
	register(sagas.NewUpdateRecord(repository, tree, repo, bus, reindexer))
	register(sagas.NewPublishDraft(repository, tree, repo, bus, reindexer))
	register(sagas.NewArchiveRecord(repository, tree, repo, bus))

	locks := lock.NewManager(sqliteStore)
	exec := saga.NewExecutor(reg, sqliteStore, locks, nil, saga.Options{Logger: logger})
	coord := recovery.NewCoordinator(sqliteStore, locks, recovery.Options{Logger: logger})

	return &app{
		exec:      exec,
		coord:     coord,
		sqlDB:     sqlDB,
		sqliteStr: sqliteStore,
		logger:    logger,
	}, nil
}

func (a *app) close() {
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
	_ = a.sqliteStr.Close()
}

func (a *app) dispatch(ctx context.Context, subcommand string, args []string) error {
	switch subcommand {
	case "create":
		return a.runSaga(ctx, "CreateRecord", args)
	case "update":
		return a.runSaga(ctx, "UpdateRecord", args)
	case "publish":
		return a.runSaga(ctx, "PublishDraft", args)
	case "archive":
		return a.runSaga(ctx, "ArchiveRecord", args)
	case "recover":
		return a.runRecovery(ctx)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", subcommand)
	}
}

// runSaga parses id/title/content/tags from args as "key=value" pairs and
// executes one run of the named saga to completion.
func (a *app) runSaga(ctx context.Context, sagaName string, args []string) error {
	bag := saga.Bag{}
	for _, arg := range args {
		key, value, ok := splitKV(arg)
		if !ok {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		if key == "tags" {
			bag[key] = splitTags(value)
			continue
		}
		bag[key] = value
	}

	result, err := a.exec.Execute(ctx, sagaName, 1, "", bag)
	if err != nil {
		return fmt.Errorf("execute %s: %w", sagaName, err)
	}

	a.logger.Info("saga finished", "saga", sagaName, "saga_id", result.SagaID, "status", result.Status)
	if len(result.DerivedFailures) > 0 {
		a.logger.Warn("derived steps failed", "saga_id", result.SagaID, "failures", result.DerivedFailures)
	}
	return nil
}

// runRecovery runs the Recovery Coordinator's sweep loop until the context
// is cancelled (SIGINT/SIGTERM), per spec's "periodic sweeper, never
// auto-resumes" design.
func (a *app) runRecovery(ctx context.Context) error {
	a.logger.Info("recovery coordinator starting")
	a.coord.Run(ctx)
	a.logger.Info("recovery coordinator stopped")
	return nil
}

func author() object.Signature {
	return object.Signature{
		Name:  "recordsagad",
		Email: "recordsagad@example.invalid",
		When:  time.Now().UTC(),
	}
}

func splitKV(arg string) (key, value string, ok bool) {
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:], true
		}
	}
	return "", "", false
}

func splitTags(value string) []string {
	var tags []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				tags = append(tags, value[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

func awaitShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: recordsagad <subcommand> [-state path] [-postgres dsn] [-repo path] [key=value ...]

subcommands:
  create  id=<id> type=<type> title=<title> content=<content> tags=<a,b,c>
  update  id=<id> title=<title> content=<content> tags=<a,b,c>
  publish id=<id>
  archive id=<id>
  recover   run the Recovery Coordinator's sweep loop until interrupted`)
}
