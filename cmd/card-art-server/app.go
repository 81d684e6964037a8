package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/boot"
	"github.com/fpang/card-art-studio/internal/chat"
	"github.com/fpang/card-art-studio/internal/config"
	"github.com/fpang/card-art-studio/internal/gallery"
	"github.com/fpang/card-art-studio/internal/generation"
	"github.com/fpang/card-art-studio/internal/imagegen"
	"github.com/fpang/card-art-studio/internal/jobs"
	"github.com/fpang/card-art-studio/internal/logging"
	"github.com/fpang/card-art-studio/internal/metadata"
	"github.com/fpang/card-art-studio/internal/metrics"
	"github.com/fpang/card-art-studio/internal/s3util"
	"github.com/fpang/card-art-studio/internal/store"
	"github.com/fpang/card-art-studio/internal/variant"
)

const serviceName = "card-art-server"

// app is the wired service.
type app struct {
	store     *store.Store
	orch      *generation.Orchestrator
	server    *server
	primary   jobs.Backend
	secondary jobs.Backend
	s3Assets  bool
	recovered int
}

// buildApp wires every component from cfg.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	var aws *boot.AWSClients
	if cfg.UsesAWS() {
		clients, err := boot.InitAWS(ctx)
		if err != nil {
			return nil, err
		}
		aws = &clients
	}

	secrets, err := loadSecrets(ctx, cfg, aws)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, aws)
	if err != nil {
		return nil, err
	}

	// Processed assets go to S3 when a bucket is configured, otherwise to
	// the local directory served under AssetsURLPrefix.
	var (
		sink    variant.Sink
		fetcher variant.Fetcher = variant.NewHTTPFetcher(cfg.AssetsDir, cfg.AssetsURLPrefix)
	)
	if cfg.AssetsBucket != "" {
		s3Sink, client, err := boot.InitS3(aws.Config, boot.S3Options{
			Bucket:        cfg.AssetsBucket,
			Prefix:        cfg.AssetsPrefix,
			PublicBaseURL: cfg.AssetsPublicURL,
			Expiry:        cfg.PresignExpiry,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		sink = s3Sink
		fetcher = &s3util.Fetcher{Client: client, Next: fetcher}
	} else {
		local, err := variant.NewLocalSink(cfg.AssetsDir, cfg.AssetsURLPrefix)
		if err != nil {
			st.Close()
			return nil, err
		}
		sink = local
	}

	a := &app{store: st, s3Assets: cfg.AssetsBucket != ""}

	var describer generation.ImageDescriber
	var imagen jobs.Backend
	if secrets.gemini != "" {
		client, err := chat.NewClient(ctx, secrets.gemini)
		if err != nil {
			st.Close()
			return nil, err
		}
		describer = chat.NewDescriber(client.Models, cfg.VisionModel, fetcher)
		imagen = chat.NewImagenBackend(client.Models, cfg.ImagenModel, sink)
	}

	switch {
	case cfg.ImageGenBaseURL != "":
		a.primary = imagegen.NewClient(cfg.ImageGenBaseURL, secrets.imageGen, cfg.ImageGenModel).
			WithTimeout(cfg.PollRequestTimeout)
		if imagen != nil && cfg.ImagenSecondary {
			a.secondary = imagen
		}
	case imagen != nil:
		a.primary = imagen
	default:
		st.Close()
		return nil, errors.New("no image generation backend configured: set CARDART_IMAGEGEN_BASE_URL or a Gemini API key")
	}

	var md generation.MetadataFetcher
	if cfg.MetadataBaseURL != "" {
		md = metadata.NewClient(cfg.MetadataBaseURL, secrets.metadata, cfg.IPFSGateway)
	}

	var emitter *metrics.Emitter
	if cfg.MetricsNamespace != "" {
		emitter = metrics.NewEmitter(cfg.MetricsNamespace, serviceName)
	}

	processor := variant.NewProcessor(fetcher, sink, variant.Quality(cfg.ThumbnailQuality))
	worker := jobs.NewWorker(st,
		jobs.WithInterval(cfg.PollInterval),
		jobs.WithMaxAttempts(cfg.MaxPollAttempts),
		jobs.WithMaxElapsed(cfg.PollElapsedLimit()),
		jobs.WithProcessor(processor),
		jobs.WithMetrics(emitter),
		jobs.WithSplitGrid(cfg.SplitGrid...),
	)

	orch, err := generation.New(st, worker, md, describer, generation.Options{
		Primary:             a.primary,
		Secondary:           a.secondary,
		GridBackends:        cfg.SplitGrid,
		Variants:            cfg.Variants,
		FallbackEnabled:     cfg.FallbackEnabled,
		PlaceholderImageURL: cfg.PlaceholderImageURL,
		DefaultCardText:     cfg.DefaultCardText,
		SubmitTimeout:       cfg.SubmitTimeout,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	a.orch = orch.WithMetrics(emitter)

	recovered, err := a.orch.RecoverStale(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to recover interrupted generations")
	}
	a.recovered = len(recovered)

	a.server = newServer(a.orch, gallery.New(st))
	if cfg.AssetsBucket == "" {
		a.server.assetsDir = cfg.AssetsDir
		a.server.assetsPrefix = cfg.AssetsURLPrefix
	}
	return a, nil
}

type secrets struct {
	gemini   string
	imageGen string
	metadata string
}

// loadSecrets resolves API keys: environment first, then SSM.
func loadSecrets(ctx context.Context, cfg config.Config, aws *boot.AWSClients) (secrets, error) {
	var client boot.ParameterAPI
	if aws != nil {
		client = aws.SSM
	}
	var s secrets
	var err error
	if s.gemini, err = boot.LoadSecret(ctx, client, cfg.GeminiAPIKey, cfg.SSMGeminiKeyParam); err != nil {
		return s, err
	}
	if s.imageGen, err = boot.LoadSecret(ctx, client, cfg.ImageGenAPIKey, cfg.SSMImageGenKeyParam); err != nil {
		return s, err
	}
	if s.metadata, err = boot.LoadSecret(ctx, client, cfg.MetadataAPIKey, cfg.SSMMetadataKeyParam); err != nil {
		return s, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg config.Config, aws *boot.AWSClients) (*store.Store, error) {
	if aws == nil {
		return boot.OpenStore(ctx, cfg, nil)
	}
	return boot.OpenStore(ctx, cfg, &aws.Config)
}

func (a *app) startupLog(cfg config.Config, initStart time.Time) *logging.StartupLogger {
	sl := boot.StartupLog(serviceName, initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		S3Bucket("assets", cfg.AssetsBucket).
		DynamoTable("cache", cfg.DynamoTable).
		SSMParam("geminiKey", cfg.SSMGeminiKeyParam).
		SSMParam("imageGenKey", cfg.SSMImageGenKeyParam).
		SSMParam("metadataKey", cfg.SSMMetadataKeyParam).
		Cache("backend", cfg.CacheBackend).
		Cache("recovered", fmt.Sprint(a.recovered)).
		Backend("primary", a.primary.Name()).
		Feature("fallback", cfg.FallbackEnabled).
		Feature("placeholder", cfg.PlaceholderImageURL != "").
		Feature("s3Assets", a.s3Assets).
		Feature("metadata", cfg.MetadataBaseURL != "").
		Feature("metrics", cfg.MetricsNamespace != "").
		Config("pollInterval", cfg.PollInterval.String()).
		Config("maxPollAttempts", fmt.Sprint(cfg.MaxPollAttempts)).
		Config("maxPollElapsed", cfg.PollElapsedLimit().String()).
		Config("thumbnailQuality", cfg.ThumbnailQuality).
		Config("splitGrid", strings.Join(cfg.SplitGrid, ","))
	if a.secondary != nil {
		sl.Backend("secondary", a.secondary.Name())
	}
	switch cfg.CacheBackend {
	case config.CacheFile:
		sl.Cache("dir", cfg.CacheDir)
	case config.CacheBolt:
		sl.Cache("path", cfg.BoltPath)
	}
	return sl
}
