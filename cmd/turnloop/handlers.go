package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/turnloop/agentloop"
	"github.com/martinemde/turnloop/unifiedllm"
)

// runSession loads configuration, builds the controller and runs either a
// single message or a line-oriented session over in.
func runSession(ctx context.Context, opts runOptions, in io.Reader, out io.Writer) error {
	cfg, err := agentloop.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyOverrides(&cfg, opts)

	level := slog.LevelWarn
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	w := &syncWriter{w: out}
	p := &prompter{in: bufio.NewReader(in), out: w}

	ctrlOpts := []agentloop.Option{agentloop.WithLogger(logger), agentloop.WithApprover(p.approve)}
	if opts.autoApprove {
		ctrlOpts = append(ctrlOpts, agentloop.WithApprover(approveAll))
	}
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		ctrlOpts = append(ctrlOpts, agentloop.WithMetrics(agentloop.NewMetrics(reg)))
		srv := serveMetrics(opts.metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctrl, err := agentloop.NewController(client, cfg, ctrlOpts...)
	if err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ctrl.Events() {
			if s := formatEvent(ev); s != "" {
				w.WriteString(s)
			}
		}
	}()
	finish := func() {
		ctrl.Close()
		<-printed
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			ctrl.Abort()
		}
	}()

	if opts.message != "" {
		err := submit(ctx, ctrl, opts.message, w)
		finish()
		return err
	}

	for {
		w.WriteString("> ")
		line, err := p.readLine()
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			finish()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			finish()
			return nil
		}
		if err := submit(ctx, ctrl, line, w); err != nil {
			if ctrl.State() == agentloop.LoopEnded {
				finish()
				return err
			}
			w.WriteString(fmt.Sprintf("[error] %v\n", err))
		}
	}
}

func submit(ctx context.Context, ctrl *agentloop.Controller, input string, w *syncWriter) error {
	res, err := ctrl.Submit(ctx, input)
	w.WriteString("\n")
	if res != nil && res.Aborted {
		w.WriteString("[turn aborted]\n")
	}
	return err
}

func applyOverrides(cfg *agentloop.Config, opts runOptions) {
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.workingDir != "" {
		cfg.WorkingDir = opts.workingDir
	}
	if opts.parallel {
		cfg.ParallelToolCalls = true
	}
}

// buildClient registers the responses adapter when an OpenAI key or base URL
// is present and the gollm adapter when an Anthropic key is present.
func buildClient(cfg agentloop.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	opts := []unifiedllm.ClientOption{
		unifiedllm.WithStreamMiddleware(unifiedllm.LoggingMiddleware(logger)),
	}

	key := os.Getenv("OPENAI_API_KEY")
	baseURL := cfg.Responses.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if key != "" || baseURL != "" {
		ropts := []unifiedllm.ResponsesOption{
			unifiedllm.WithAdapterLogger(logger),
			unifiedllm.WithRequestRate(cfg.Responses.RequestsPerSecond, cfg.Responses.Burst),
		}
		if key != "" {
			ropts = append(ropts, unifiedllm.WithResponsesAPIKey(key))
		}
		if baseURL != "" {
			ropts = append(ropts, unifiedllm.WithBaseURL(baseURL))
		}
		opts = append(opts, unifiedllm.WithProvider("openai", unifiedllm.NewResponsesAdapter("openai", ropts...)))
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		adapter, err := unifiedllm.NewGollmAdapter("anthropic", key)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		opts = append(opts, unifiedllm.WithProvider("anthropic", adapter))
	}

	if cfg.Provider != "" {
		opts = append(opts, unifiedllm.WithDefaultProvider(cfg.Provider))
	}
	client := unifiedllm.NewClient(opts...)
	if len(client.Providers()) == 0 {
		return nil, errors.New("no provider configured: set OPENAI_API_KEY, OPENAI_BASE_URL or ANTHROPIC_API_KEY")
	}
	return client, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

// formatEvent renders a session event for the terminal. Events that carry
// nothing worth showing render as "".
func formatEvent(ev agentloop.SessionEvent) string {
	switch ev.Kind {
	case agentloop.EventAssistantTextDelta:
		s, _ := ev.Data["delta"].(string)
		return s
	case agentloop.EventToolCallStart:
		return fmt.Sprintf("\n[%v %v]\n", ev.Data["tool"], ev.Data["call_id"])
	case agentloop.EventToolCallEnd:
		return fmt.Sprintf("[%v %v: %v in %v]\n", ev.Data["tool"], ev.Data["call_id"], ev.Data["status"], ev.Data["duration"])
	case agentloop.EventStreamRetry:
		return fmt.Sprintf("[retrying request: attempt %v after %v]\n", ev.Data["attempt"], ev.Data["delay"])
	case agentloop.EventWarning, agentloop.EventLoopDetection:
		return fmt.Sprintf("[warning] %v\n", ev.Data["message"])
	case agentloop.EventTurnLimit:
		return fmt.Sprintf("[stopped after %v automatic turns]\n", ev.Data["turns"])
	case agentloop.EventError:
		return fmt.Sprintf("[error] %v\n", ev.Data["error"])
	}
	return ""
}

func approveAll(context.Context, agentloop.ApprovalRequest) agentloop.ApprovalDecision {
	return agentloop.ApprovalApproved
}

// prompter reads session input and approval answers from the same reader.
// Submit blocks the input loop, so the two never read concurrently, but
// sibling calls may ask for approval at the same time.
type prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out *syncWriter
}

func (p *prompter) readLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.ReadString('\n')
}

// TODO: make the approval prompt cancellable; a blocked stdin read delays
// Abort until the user answers.
func (p *prompter) approve(ctx context.Context, req agentloop.ApprovalRequest) agentloop.ApprovalDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return agentloop.ApprovalAbort
	}
	p.out.WriteString(fmt.Sprintf("\nRun `%s` in %s? [y/N/a(bort)] ", strings.Join(req.Command, " "), req.Workdir))
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return agentloop.ApprovalDenied
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return agentloop.ApprovalApproved
	case "a", "abort":
		return agentloop.ApprovalAbort
	default:
		return agentloop.ApprovalDenied
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) WriteString(str string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, str)
}

func runPrintConfig(path string, out io.Writer) error {
	cfg, err := agentloop.LoadConfig(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runPrintTools(out io.Writer) error {
	data, err := json.MarshalIndent(agentloop.DefaultToolRegistry().Definitions(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
