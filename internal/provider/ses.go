package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSettings are the connector settings for an SES provider
type SESSettings struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// sesClient is the subset of the SES API the adapter uses
type sesClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESAdapter dispatches through Amazon SES. The returned provider message
// id is the SES MessageId, which delivery notifications reference.
type SESAdapter struct {
	client sesClient
}

// NewSESAdapter parses connector settings and builds the adapter
func NewSESAdapter(settingsJSON string) (*SESAdapter, error) {
	var s SESSettings
	if err := json.Unmarshal([]byte(settingsJSON), &s); err != nil {
		return nil, fmt.Errorf("invalid ses connector settings: %w", err)
	}
	if s.Region == "" {
		return nil, fmt.Errorf("ses connector settings missing region")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.Region),
	}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load ses config: %w", err)
	}

	return &SESAdapter{client: sesv2.NewFromConfig(cfg)}, nil
}

// Send dispatches one message and returns the SES message id
func (a *SESAdapter) Send(ctx context.Context, msg *Message) (string, error) {
	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML)}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(msg.From, msg.FromName)),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}

	return aws.ToString(out.MessageId), nil
}

// classifySESError marks rejections permanent; throttling and account
// pauses stay retryable.
func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent(err)
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return Permanent(err)
	}
	var badRequest *types.BadRequestException
	if errors.As(err, &badRequest) {
		return Permanent(err)
	}
	return err
}
