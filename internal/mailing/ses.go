package mailing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/portal28/academy/internal/domain"
)

// SESAPI is the subset of the SES v2 client the mailer uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer delivers through AWS SES v2.
type SESMailer struct {
	client           SESAPI
	configurationSet string
}

// NewSESMailer loads AWS config for region. Static credentials are used when
// both keys are set, otherwise the default provider chain applies.
func NewSESMailer(ctx context.Context, region, accessKey, secretKey, configurationSet string) (*SESMailer, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESMailerWithClient(sesv2.NewFromConfig(cfg), configurationSet), nil
}

func NewSESMailerWithClient(client SESAPI, configurationSet string) *SESMailer {
	return &SESMailer{client: client, configurationSet: configurationSet}
}

func (m *SESMailer) Deliver(ctx context.Context, msg Message) (*Receipt, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if m.configurationSet != "" {
		input.ConfigurationSetName = aws.String(m.configurationSet)
	}

	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(sesTagValue(msg.Tags[k]))})
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: ses: %v", domain.ErrDelivery, err)
	}
	id := aws.ToString(out.MessageId)
	if id == "" {
		return nil, fmt.Errorf("%w: ses response missing message id", domain.ErrDelivery)
	}
	return &Receipt{MessageID: id, Provider: "ses", AcceptedAt: time.Now().UTC()}, nil
}

// SES tag values allow only alphanumerics, '_', '-', '.', '@'.
func sesTagValue(v string) string {
	b := []byte(v)
	for i, c := range b {
		ok := c == '_' || c == '-' || c == '.' || c == '@' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			b[i] = '_'
		}
	}
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
