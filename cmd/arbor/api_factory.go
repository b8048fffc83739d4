package main

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/orchestrator"
	"github.com/ShayCichocki/arbor/internal/session"
	"github.com/ShayCichocki/arbor/internal/similarity"
	"github.com/ShayCichocki/arbor/internal/state"
)

// app bundles what a command needs to work with sessions.
type app struct {
	manager *session.Manager
	db      *state.DB
	client  *llm.Client
}

// Close releases the manager and database.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// newApp opens the session store and, when withLLM is set, connects the
// model client and similarity backend needed to build or edit trees.
func newApp(ctx context.Context, cfg *config.Config, withLLM bool, events *orchestrator.EventEmitter) (*app, error) {
	db, err := state.OpenDefault(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a := &app{db: db}

	var backend session.Backend
	if withLLM {
		client, err := createClient(ctx, cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		scorer, err := createScorer(ctx, cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.client = client
		backend = session.Backend{Generator: client, Synthesizer: client, Scorer: scorer}
	}

	a.manager = session.NewManager(cfg, backend,
		session.WithStore(db),
		session.WithLogger(logger),
		session.WithEvents(events),
	)
	return a, nil
}

// createClient creates the Anthropic client, direct or through Bedrock.
func createClient(ctx context.Context, cfg *config.Config) (*llm.Client, error) {
	ccfg := llm.ClientConfig{
		Model:         anthropic.Model(cfg.LLM.Model),
		MaxTokens:     cfg.LLM.MaxTokens,
		UseAWSBedrock: cfg.LLM.UseBedrock,
		AWSRegion:     cfg.LLM.AWSRegion,
		AWSProfile:    cfg.LLM.AWSProfile,
	}
	if !cfg.LLM.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w (set ANTHROPIC_API_KEY or anthropic.api_key)", err)
		}
		if err := config.ValidateAPIKey(key); err != nil {
			logger.Warn("anthropic api key looks malformed", zap.Error(err))
		}
		ccfg.APIKey = key
	}
	client, err := llm.NewClient(ctx, ccfg)
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	return client, nil
}

// createScorer selects the question similarity backend.
func createScorer(ctx context.Context, cfg *config.Config) (similarity.Scorer, error) {
	if cfg.Similarity.Backend != "genai" {
		return similarity.NewLexical(), nil
	}
	key, err := config.GetGenAIKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w (set GEMINI_API_KEY or use similarity.backend=lexical)", err)
	}
	embedder, err := similarity.NewGeminiEmbedder(ctx, key, cfg.Similarity.GenAIModel)
	if err != nil {
		return nil, err
	}
	return similarity.NewEmbedding(embedder), nil
}
