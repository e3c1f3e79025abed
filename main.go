package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gluk-w/claworc/termkeep/internal/checkpoint"
	"github.com/gluk-w/claworc/termkeep/internal/config"
	"github.com/gluk-w/claworc/termkeep/internal/database"
	"github.com/gluk-w/claworc/termkeep/internal/handlers"
	"github.com/gluk-w/claworc/termkeep/internal/logging"
	"github.com/gluk-w/claworc/termkeep/internal/sessionaudit"
	"github.com/gluk-w/claworc/termkeep/internal/termsession"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

type cliFlags struct {
	configPath   string
	listen       string
	stateDir     string
	listSessions bool
}

func parseFlags(args []string) (*pflag.FlagSet, *cliFlags, error) {
	fs := pflag.NewFlagSet("termkeep", pflag.ContinueOnError)
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "", "YAML file overlaying the TERMKEEP_* environment")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fs.StringVar(&f.stateDir, "state-dir", "", "directory holding session checkpoints")
	fs.BoolVar(&f.listSessions, "list-sessions", false, "print checkpointed sessions and exit")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return fs, f, nil
}

// applyFlags overrides settings with flags given on the command line.
func applyFlags(fs *pflag.FlagSet, f *cliFlags, s *config.Settings) error {
	if fs.Changed("listen") {
		s.ListenAddr = f.listen
	}
	if fs.Changed("state-dir") {
		s.StateDir = f.stateDir
	}
	return s.Validate()
}

func main() {
	fs, flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if err := config.Load(flags.configPath); err != nil {
		log.Fatalf("Config: %v", err)
	}
	if err := applyFlags(fs, flags, &config.Cfg); err != nil {
		log.Fatalf("Config: %v", err)
	}

	if flags.listSessions {
		if err := listSessions(os.Stdout, config.Cfg.StateDir); err != nil {
			log.Fatalf("List sessions: %v", err)
		}
		return
	}

	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor, err := sessionaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	handlers.Audit = auditor

	reg, err := termsession.NewRegistry(registryOptions(config.Cfg, auditor))
	if err != nil {
		log.Fatalf("Session registry init: %v", err)
	}
	restored, err := reg.LoadFromDisk()
	if err != nil {
		log.Printf("WARNING: restoring sessions: %v", err)
	}
	handlers.Sessions = reg
	handlers.TerminalBackend = handlers.NewLoopbackBackend(reg)
	log.Printf("Session registry initialized (state=%s, restored=%d, buffer=%d bytes, max_sessions=%d, compression=%s)",
		reg.StateDir(), restored, config.Cfg.BufferSize, config.Cfg.MaxSessions, config.Cfg.Encoding())

	sched, err := newScheduler(config.Cfg, reg, auditor)
	if err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	sched.cron.Start()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-sched.cron.Stop().Done()
	if err := reg.Close(); err != nil {
		log.Printf("Session registry shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	handlers.RegisterRoutes(r)
	return r
}

func registryOptions(s config.Settings, events termsession.EventSink) termsession.Options {
	delay := s.ReplayDelay
	if delay == 0 {
		// Zero in the config means no pause between replay chunks.
		delay = -1
	}
	return termsession.Options{
		StateDir:        s.StateDir,
		BufferCapacity:  s.BufferSize,
		MaxLines:        s.HistoryLines,
		MaxSessions:     s.MaxSessions,
		MaxInactiveAge:  s.MaxInactiveAge,
		SaveInterval:    s.SaveInterval,
		CleanupInterval: s.CleanupInterval,
		DefaultCommand:  s.DefaultCommand,
		ReplayChunkSize: s.ReplayChunkSize,
		ReplayDelay:     delay,
		Encoding:        s.Encoding(),
		Events:          events,
	}
}

type scheduler struct {
	cron        *cron.Cron
	maintenance cron.EntryID
	auditPurge  cron.EntryID
}

// newScheduler registers the periodic registry maintenance and audit purge
// jobs. The returned scheduler is not started.
func newScheduler(s config.Settings, reg *termsession.Registry, auditor *sessionaudit.Auditor) (*scheduler, error) {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	sched := &scheduler{cron: c}

	id, err := c.AddFunc(s.MaintenanceSchedule, reg.Maintenance)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", s.MaintenanceSchedule, err)
	}
	sched.maintenance = id

	if auditor != nil {
		id, err = c.AddFunc(s.AuditPurgeSchedule, func() {
			n, err := auditor.PurgeOlderThan(0)
			if err != nil {
				log.Printf("[session-audit] purge failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[session-audit] purged %d events older than %d days", n, auditor.RetentionDays())
			}
		})
		if err != nil {
			return nil, fmt.Errorf("audit purge schedule %q: %w", s.AuditPurgeSchedule, err)
		}
		sched.auditPurge = id
	}
	return sched, nil
}

// listSessions prints the checkpoints in dir without starting a server.
func listSessions(w io.Writer, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "No sessions in %s\n", dir)
		return nil
	}
	store, err := checkpoint.NewStore(dir)
	if err != nil {
		return err
	}
	ids, err := store.IDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintf(w, "No sessions in %s\n", dir)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tLAST ACCESSED\tBUFFER\tSAVES")
	for _, id := range ids {
		rec, err := store.Load(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t<unreadable: %v>\t\t\t\t\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			rec.ID,
			logging.Sanitize(rec.Name),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.LastAccessed.UTC().Format(time.RFC3339),
			len(rec.Buffer),
			rec.SaveCount,
		)
	}
	return tw.Flush()
}
