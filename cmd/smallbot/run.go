package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"github.com/aupadhyay/smallbot/agent"
	"github.com/aupadhyay/smallbot/bot"
	"github.com/aupadhyay/smallbot/config"
	"github.com/aupadhyay/smallbot/internal/util"
	"github.com/aupadhyay/smallbot/logging"
	"github.com/aupadhyay/smallbot/memory"
	"github.com/aupadhyay/smallbot/model"
	"github.com/aupadhyay/smallbot/model/anthropic"
	"github.com/aupadhyay/smallbot/model/openai"
	"github.com/aupadhyay/smallbot/render"
	"github.com/aupadhyay/smallbot/scheduler"
	"github.com/aupadhyay/smallbot/session"
	"github.com/aupadhyay/smallbot/tool"
	"github.com/aupadhyay/smallbot/transport"
	"github.com/aupadhyay/smallbot/transport/signalcli"
	"github.com/aupadhyay/smallbot/transport/webchat"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runBot(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	return cmd
}

// loadConfig resolves and loads the config file. When no file exists and
// none was requested explicitly, built-in defaults apply.
func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

func runBot(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(func(o *logging.Options) {
		o.Level = logging.ParseLevel(cfg.LogLevel)
		o.Format = cfg.LogFormat
	})

	mdl, err := buildModel(cfg.Model)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	memStore, err := memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memStore.Close()

	sessions, err := session.NewSQLiteStore(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	jobs, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()

	registry := tool.NewRegistry()
	for _, t := range memory.Tools(memStore) {
		registry.MustRegister(t)
	}

	prompt, err := loadPrompt(cfg)
	if err != nil {
		return err
	}

	tr, err := buildTransport(cfg.Transport, logger)
	if err != nil {
		return err
	}

	loop := agent.NewLoop(mdl, registry, func(o *agent.Options) {
		if cfg.MaxTurns > 0 {
			o.MaxTurns = cfg.MaxTurns
		}
		o.Logger = logger
	})

	b := bot.New(loop, tr, sessions, func(o *bot.Options) {
		o.SystemPrompt = prompt
		o.IdleTTL = cfg.Session.IdleTTL()
		o.Logger = logger
		o.RenderOptions = func(ro *render.Options) {
			if iv := cfg.Render.UpdateInterval(); iv > 0 {
				ro.UpdateInterval = iv
			}
			if cfg.Render.MinUpdateChars > 0 {
				ro.MinUpdateChars = cfg.Render.MinUpdateChars
			}
			ro.FlattenMarkdown = cfg.Render.FlattenMarkdown
			ro.Logger = logger
		}
	})

	sched := scheduler.New(jobs, func(ctx context.Context, job *scheduler.Job) (string, error) {
		text, err := b.RunPrompt(ctx, job.SessionID, job.Prompt)
		if err != nil {
			return "", err
		}
		if text != "" {
			if _, err := tr.SendMessage(ctx, job.SessionID, text); err != nil {
				return "", fmt.Errorf("deliver job result: %w", err)
			}
		}
		return text, nil
	}, logger)
	b.AddRunner(sched.Start)

	logger.Info("bot.start",
		"transport", tr.Name(),
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
	)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		var clientOpts []anthropicopt.RequestOption
		if cfg.APIKey != "" {
			clientOpts = append(clientOpts, anthropicopt.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			clientOpts = append(clientOpts, anthropicopt.WithBaseURL(cfg.BaseURL))
		}
		client := anthropicsdk.NewClient(clientOpts...)
		return anthropic.NewModelFromClient(&client, func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
		}), nil
	case "openai":
		var clientOpts []openaiopt.RequestOption
		if cfg.APIKey != "" {
			clientOpts = append(clientOpts, openaiopt.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			clientOpts = append(clientOpts, openaiopt.WithBaseURL(cfg.BaseURL))
		}
		client := openaisdk.NewClient(clientOpts...)
		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func buildTransport(cfg config.TransportConfig, logger logging.Logger) (transport.Transport, error) {
	switch cfg.Kind {
	case "signal":
		if cfg.Signal.Account == "" {
			return nil, errors.New("transport.signal.account is required")
		}
		return signalcli.New(cfg.Signal.Account, func(o *signalcli.Options) {
			if cfg.Signal.Command != "" {
				o.Command = cfg.Signal.Command
			}
			o.Logger = logger
		}), nil
	case "webchat":
		addr := net.JoinHostPort(cfg.Webchat.Address, strconv.Itoa(cfg.Webchat.Port))
		return webchat.New(addr, func(o *webchat.Options) {
			o.Logger = logger
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// loadPrompt reads the system prompt file, if configured, and renders its
// template with runtime state.
func loadPrompt(cfg *config.Config) (string, error) {
	if cfg.PromptFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.PromptFile)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return util.RenderTemplate(string(data), map[string]any{
		"now":   time.Now().Format(time.RFC1123),
		"model": cfg.Model.Name,
	})
}
