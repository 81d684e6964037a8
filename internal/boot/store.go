package boot

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/config"
	"github.com/fpang/card-art-studio/internal/store"
)

// OpenStore opens the cache store on the configured backend. awsCfg is only
// consulted for the dynamodb backend.
func OpenStore(ctx context.Context, cfg config.Config, awsCfg *aws.Config) (*store.Store, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.CacheBackend {
	case config.CacheFile:
		backend, err = store.NewFileBackend(cfg.CacheDir)
	case config.CacheBolt:
		backend, err = store.NewBoltBackend(cfg.BoltPath)
	case config.CacheDynamo:
		if awsCfg == nil {
			return nil, fmt.Errorf("dynamodb cache backend requires AWS configuration")
		}
		backend, err = InitDynamo(*awsCfg, cfg.DynamoTable)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache backend: %w", cfg.CacheBackend, err)
	}

	st, err := store.Open(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	log.Debug().Str("backend", cfg.CacheBackend).Msg("Cache store opened")
	return st, nil
}
