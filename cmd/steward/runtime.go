package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/api"
	"github.com/nugget/steward/internal/browser"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/chunking"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/httpkit"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/phrasebook"
	"github.com/nugget/steward/internal/search"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

// runtimeOptions are the command-line overrides applied on top of the
// config file.
type runtimeOptions struct {
	model      string
	noChunking bool
}

// runtime is a fully wired agent plus the resources it owns.
type runtime struct {
	agent      *agent.Agent
	browser    *browser.Browser
	transcript *memory.TranscriptStore
	usage      *usage.Store
	model      *llm.Model
	modelName  string
}

// newRuntime builds the model registry, tool registry, research hook
// and agent described by cfg. bus may be nil.
func newRuntime(cfg *config.Config, opts runtimeOptions, bus *events.Bus, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	var modelOpts []llm.ModelOption
	if cfg.Transcript.Path != "" {
		store, openErr := memory.Open(cfg.Transcript.Driver, cfg.Transcript.Path)
		if openErr != nil {
			return nil, fmt.Errorf("open transcript %s: %w", cfg.Transcript.Path, openErr)
		}
		// Closed again if any later step fails.
		defer func() {
			if err != nil {
				store.Close()
			}
		}()
		u, usageErr := usage.NewStore(store.DB())
		if usageErr != nil {
			return nil, usageErr
		}
		rt.transcript, rt.usage = store, u
		modelOpts = append(modelOpts, llm.WithUsage(u))
		logger.Info("transcript enabled", "driver", cfg.Transcript.Driver, "path", cfg.Transcript.Path)
	}

	models, err := llm.BuildRegistry(cfg.Models, logger, modelOpts...)
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	modelName := opts.model
	if modelName == "" {
		modelName = cfg.Models.Default
	}
	model, err := models.Get(modelName)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w (available: %v)", modelName, err, models.Names())
	}

	pb, err := phrasebook.Load(cfg.Agent.Phrasebook)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewTerminate())

	mgr := search.FromConfig(cfg.Search, logger,
		httpkit.WithTimeout(time.Duration(cfg.Browser.TimeoutSec)*time.Second),
		httpkit.WithLogger(logger),
	)
	if mgr.Configured() {
		registry.Register(search.NewTool(mgr, cfg.Search.MaxResults))
	} else {
		logger.Warn("no search provider configured, web_search disabled")
	}

	b := browser.New(
		browser.WithLogger(logger),
		browser.WithMaxBytes(cfg.Browser.MaxBytes),
		browser.WithClient(httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.Browser.TimeoutSec)*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(logger),
		)),
	)
	registry.Register(browser.NewTool(b))

	hookOpts := []agent.HookOption{
		agent.WithBrowser(b),
		agent.WithHookLogger(logger),
	}
	if cfg.Chunking.Disabled || opts.noChunking {
		logger.Info("large-content chunking disabled")
	} else {
		pipeline := chunking.New(model, chunking.Config{
			TokenLimit: cfg.Chunking.TokenLimit,
			ChunkSize:  cfg.Chunking.ChunkSize,
			Overlap:    cfg.Chunking.Overlap,
			MaxChunks:  cfg.Chunking.MaxChunks,
		}, chunking.WithBus(bus), chunking.WithLogger(logger))
		hookOpts = append(hookOpts, agent.WithProcessor(pipeline, cfg.Chunking.BrowseThreshold))
	}

	agentOpts := []agent.Option{
		agent.WithConfig(agent.ConfigFrom(cfg.Agent)),
		agent.WithHook(agent.NewResearchHook(hookOpts...)),
		agent.WithPhrasebook(pb),
		agent.WithBus(bus),
		agent.WithLogger(logger),
		agent.WithModelName(modelName),
	}

	rt.browser, rt.model, rt.modelName = b, model, modelName
	if rt.transcript != nil {
		agentOpts = append(agentOpts, agent.WithTranscript(rt.transcript))
	}

	rt.agent = agent.New(model, registry, agentOpts...)
	logger.Info("agent ready",
		"model", modelName,
		"tools", registry.Names(),
		"planning", cfg.Agent.PlanningEnabled(),
		"max_steps", cfg.Agent.MaxSteps,
	)
	return rt, nil
}

// runStore returns the transcript, or an untyped nil when none is
// configured so the API reports history as unavailable.
func (rt *runtime) runStore() api.RunStore {
	if rt.transcript == nil {
		return nil
	}
	return rt.transcript
}

// Close releases the browser and the transcript database.
func (rt *runtime) Close() error {
	var errs []error
	if err := rt.browser.Cleanup(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if rt.transcript != nil {
		if err := rt.transcript.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
