package mailer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

const charset = "UTF-8"

// sesAPI is the part of *sesv2.Client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through Amazon SES v2.
type SESSender struct {
	client           sesAPI
	configurationSet string
	log              *zap.Logger
}

// NewSESSender creates a new SES client
func NewSESSender(ctx context.Context, cfg config.Mail, log *zap.Logger) (*SESSender, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	var clientOpts []func(*sesv2.Options)

	// local SES emulators
	if cfg.Endpoint != "" {
		log.Info("Configuring SES endpoint override", zap.String("endpoint", cfg.Endpoint))
		clientOpts = append(clientOpts, func(o *sesv2.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Info("SES client created", zap.String("region", cfg.Region))

	return newSESSender(sesv2.NewFromConfig(awsCfg, clientOpts...), cfg.ConfigurationSet, log), nil
}

func newSESSender(client sesAPI, configurationSet string, log *zap.Logger) *SESSender {
	return &SESSender{client: client, configurationSet: configurationSet, log: log}
}

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charset)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String(charset)},
				},
			},
		},
		EmailTags: messageTags(msg.Tags),
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", &ProviderError{Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}
		}
		return "", fmt.Errorf("ses send: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		return "", &ProviderError{Code: "MissingMessageId", Message: "provider accepted the message without an id"}
	}
	return messageID, nil
}

func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

var _ Sender = (*SESSender)(nil)
