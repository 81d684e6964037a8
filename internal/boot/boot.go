// Package boot holds the bootstrap shared by the binaries: AWS SDK config,
// the S3 asset sink, the cache store and SSM-held secrets.
//
// Each helper returns an error instead of exiting so the server and the admin
// CLI can decide how to report it.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/logging"
	"github.com/fpang/card-art-studio/internal/s3util"
	"github.com/fpang/card-art-studio/internal/store"
)

// AWSClients holds the core AWS SDK config and clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// S3Options configures the asset sink.
type S3Options struct {
	Bucket        string
	Prefix        string
	PublicBaseURL string
	Expiry        time.Duration
}

// InitS3 creates an S3-backed asset sink.
func InitS3(cfg aws.Config, opts S3Options) (*s3util.Sink, *s3.Client, error) {
	if opts.Bucket == "" {
		return nil, nil, fmt.Errorf("S3 bucket is required")
	}
	client := s3.NewFromConfig(cfg)
	return &s3util.Sink{
		Client:        client,
		Presign:       s3.NewPresignClient(client),
		Bucket:        opts.Bucket,
		Prefix:        opts.Prefix,
		PublicBaseURL: opts.PublicBaseURL,
		Expiry:        opts.Expiry,
	}, client, nil
}

// InitDynamo creates a DynamoDB cache backend for tableName.
func InitDynamo(cfg aws.Config, tableName string) (*store.DynamoBackend, error) {
	if tableName == "" {
		return nil, fmt.Errorf("DynamoDB table name is required")
	}
	return store.NewDynamoBackend(dynamodb.NewFromConfig(cfg), tableName), nil
}

// ParameterAPI is the subset of *ssm.Client used to read secrets.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns current when it is already set, otherwise the decrypted
// value of paramName. An empty paramName yields an empty secret.
func LoadSecret(ctx context.Context, client ParameterAPI, current, paramName string) (string, error) {
	if current != "" || paramName == "" || client == nil {
		return current, nil
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", paramName, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", paramName)
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *result.Parameter.Value, nil
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
