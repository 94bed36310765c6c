package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/chat"
	"github.com/luciancaetano/kephaschat/internal/transcript"
)

type connectOptions struct {
	url          string
	token        string
	role         string
	room         string
	dataPath     string
	metricsAddr  string
	history      int
	filterByRoom bool
	dedupe       bool
	operatorView bool
	maxAttempts  int
}

func connectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive chat session",
		Long: `Open an interactive chat session.

Lines read from stdin are sent as text messages. Commands:

  /rooms          list the operator roster
  /select <id>    select a room (operators only)
  /status         print the session snapshot
  /reconnect      reconnect after the retry policy gave up
  /quit           disconnect and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", os.Getenv("KEPHASCHAT_URL"), "chat WebSocket URL (env KEPHASCHAT_URL)")
	flags.StringVar(&opts.token, "token", os.Getenv("KEPHASCHAT_TOKEN"), "session credential (env KEPHASCHAT_TOKEN)")
	flags.StringVar(&opts.role, "role", string(kephaschat.RoleUser), "session role: user or operator")
	flags.StringVar(&opts.room, "room", "", "room to select after joining (operators only)")
	flags.StringVar(&opts.dataPath, "data-path", "", "optional directory for the Pebble transcript")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "optional address serving /metrics")
	flags.IntVar(&opts.history, "history", 20, "transcript messages to print when a room opens")
	flags.BoolVar(&opts.filterByRoom, "filter-by-room", false, "drop messages for rooms other than the current one")
	flags.BoolVar(&opts.dedupe, "dedupe", false, "skip messages whose id was already received")
	flags.BoolVar(&opts.operatorView, "operator-view", false, "render operator senders as admin and unlabelled senders as bot")
	flags.IntVar(&opts.maxAttempts, "max-attempts", kephaschat.DefaultReconnectMaxAttempts, "reconnect attempts before giving up (0 for unbounded)")

	return cmd
}

func runConnect(ctx context.Context, opts connectOptions, in io.Reader, out io.Writer) error {
	if opts.url == "" {
		return errors.New("--url is required")
	}
	if opts.token == "" {
		return errors.New("--token is required")
	}
	role := kephaschat.Role(opts.role)
	if role != kephaschat.RoleUser && role != kephaschat.RoleOperator {
		return fmt.Errorf("unknown role %q", opts.role)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec *transcript.Recorder
	if opts.dataPath != "" {
		var err error
		rec, err = transcript.Open(opts.dataPath)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer rec.Close()
	}

	printer := &printer{out: out}

	cfg := chat.NewConfig(opts.url, opts.token, role)
	cfg.FilterByRoom = opts.filterByRoom
	cfg.DedupeByID = opts.dedupe
	cfg.Reconnect.MaxAttempts = opts.maxAttempts
	cfg.Reconnect.AllowManualReconnect = true
	if opts.operatorView {
		cfg.RoleMapper = chat.OperatorViewRoleMapper
	}

	var metricsSrv *http.Server
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		cfg.Registerer = reg
		metricsSrv = serveMetrics(opts.metricsAddr, reg)
		defer shutdown(metricsSrv)
	}

	// sess is assigned before Connect; hooks only run after Connect.
	var sess kephaschat.Session
	var autoSelect sync.Once

	cfg.Hooks = chat.Hooks{
		OnMessage: func(m kephaschat.Message) {
			printer.message(m)
			if rec != nil {
				if err := rec.Append(m); err != nil {
					log.Warn().Err(err).Msg("[cli] transcript append failed")
				}
			}
		},
		OnRoomChange: func(room string) {
			printer.linef("-- room %s --", room)
			if rec == nil || opts.history <= 0 {
				return
			}
			history, err := rec.Load(room, opts.history)
			if err != nil {
				log.Warn().Err(err).Msg("[cli] transcript load failed")
				return
			}
			for _, m := range chat.MergeHistory(history, sess.Messages()) {
				printer.message(m)
			}
			if len(history) > 0 {
				printer.linef("-- end of history --")
			}
		},
		OnServerError: func(e *kephaschat.ServerError) {
			printer.linef("!! %s", e.Code)
		},
		OnChange: func(s kephaschat.Snapshot) {
			if s.Phase != kephaschat.PhaseAwaitingSelection {
				return
			}
			if opts.room == "" {
				printer.linef("-- %d rooms waiting; use /rooms and /select <id> --", len(sess.Rooms()))
				return
			}
			autoSelect.Do(func() {
				// hooks run on the session loop; selecting enqueues onto it
				go func() {
					if err := sess.SelectRoom(ctx, opts.room); err != nil {
						log.Warn().Err(err).Str("room", opts.room).Msg("[cli] auto select failed")
					}
				}()
			})
		},
	}
	cfg.OnReconnectScheduled = func(attempt int, delay time.Duration) {
		printer.linef("-- reconnecting (attempt %d) in %s --", attempt, delay)
	}

	var err error
	sess, err = chat.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(cctx)
	}()

	log.Info().Str("session_id", sess.ID()).Str("role", string(role)).Msg("[cli] connecting")
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, sess, printer, line)
			if err != nil {
				printer.linef("!! %v", err)
			}
			if quit {
				return sess.Disconnect(ctx)
			}
		}
	}
}

func handleLine(ctx context.Context, sess kephaschat.Session, p *printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, sess.SendText(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/rooms":
		rooms := sess.Rooms()
		if len(rooms) == 0 {
			p.linef("-- no rooms --")
		}
		for _, r := range rooms {
			p.linef("%s  %-20s user:%-5t operator:%-5t %s", r.RoomID, r.CounterpartName, r.UserPresent, r.OperatorPresent, r.UpdatedAt.Format(time.DateTime))
		}
		return false, nil
	case "/select":
		if len(fields) < 2 {
			return false, errors.New("usage: /select <room id>")
		}
		return false, sess.SelectRoom(ctx, fields[1])
	case "/status":
		s := sess.Snapshot()
		p.linef("state=%s phase=%s room=%q attempts=%d", s.ConnectionState, s.Phase, s.CurrentRoomID, s.Attempts)
		return false, nil
	case "/reconnect":
		return false, sess.Reconnect(ctx)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("[cli] metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("[cli] serving /metrics")
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("[cli] metrics server shutdown error")
	}
}

// printer serializes writes from the session loop and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) message(m kephaschat.Message) {
	body := m.Text
	if m.Asset != nil {
		body = fmt.Sprintf("[%s] %s %s", m.Kind, m.Asset.Name, m.Asset.URL)
	}
	p.linef("%s %-6s %s", m.CreatedAt.Local().Format(time.TimeOnly), m.OriginRole, body)
}
