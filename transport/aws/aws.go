// Package aws provides the SNS publish-only backend for eventflow. Events are
// published to the SNS topic named after the eventflow topic.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeAWS

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers the SNS backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new SNS backend.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	logger := deps.Logger.With(loggingpkg.LogFields{"pubsub": name})

	awsCfg, err := createAWSConfig(ctx, cfg.AWS, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", loggingpkg.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": cfg.AWS.Endpoint != "",
	})

	publisher, err := createPublisher(cfg.AWS, logger, awsCfg)
	if err != nil {
		return nil, err
	}
	return transport.NewWatermillBackend(name, publisher, deps), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func createAWSConfig(ctx context.Context, cfg configpkg.AWSConfig, logger loggingpkg.ServiceLogger) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, loggingpkg.LogFields{"requested_region": cfg.Region})
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// the loader may ignore the region option when a profile sets one
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	return &awsCfg, nil
}

func createPublisher(cfg configpkg.AWSConfig, logger loggingpkg.ServiceLogger, awsCfg *aws.Config) (message.Publisher, error) {
	accountID, region := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	logger.Info("Create SNS publisher", loggingpkg.LogFields{
		"account_id": accountID,
		"region":     region,
	})

	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, loggingpkg.LogFields{
			"account_id": accountID,
			"region":     region,
		})
		return nil, err
	}

	publisherConfig, err := buildPublisherConfig(cfg, awsCfg, topicResolver)
	if err != nil {
		return nil, err
	}
	return PublisherFactory(publisherConfig, loggingpkg.NewWatermillAdapter(logger))
}

func resolveAccountAndRegion(cfg configpkg.AWSConfig, logger loggingpkg.ServiceLogger, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.AccountID, "\"' ")
	region := cfg.Region
	if region == "" {
		region = fallbackRegion
	}

	if cfg.Endpoint == "" {
		return accountID, region
	}
	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", loggingpkg.LogFields{"account_id": localstackAccountID})
		return localstackAccountID, region
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", loggingpkg.LogFields{"account_id": accountID})
		return localstackAccountID, region
	}
	return accountID, region
}

func buildPublisherConfig(cfg configpkg.AWSConfig, awsCfg *aws.Config, topicResolver sns.TopicResolver) (sns.PublisherConfig, error) {
	endpoint, err := awsEndpointURL(cfg.Endpoint)
	if err != nil {
		return sns.PublisherConfig{}, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint != nil {
		endpointStr := endpoint.String()
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(endpointStr)
			},
		}
	}
	return publisherConfig, nil
}

func awsEndpointURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("failed to parse AWS endpoint %q: scheme and host are required", raw)
	}
	return parsedURL, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
