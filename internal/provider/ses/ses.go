// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
)

// Config holds the AWS settings for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider sends mail via the AWS SES v2 API. The sender comes from the
// request override or the stored from-address, as with every provider.
type Provider struct {
	creds  provider.CredentialSource
	events *eventlog.Log
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider using the default AWS credential chain, or static
// keys when both are configured.
func New(ctx context.Context, cfg Config, creds provider.CredentialSource, events *eventlog.Log) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// Delivery is attempted once; callers decide whether to resend.
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), creds, events), nil
}

// NewWithClient creates a Provider with a custom client.
func NewWithClient(client SendEmailAPI, creds provider.CredentialSource, events *eventlog.Log) *Provider {
	return &Provider{creds: creds, events: events, client: client}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Send delivers req with a single SendEmail call. Messages with attachments
// are sent as raw MIME.
func (p *Provider) Send(ctx context.Context, req *mail.Request) error {
	sender := provider.ResolveSender(p.creds, req)
	if sender == "" {
		return p.fail(req, provider.NewError(provider.ErrSenderUnset, "Sender email not configured"))
	}

	msg := mail.Translate(req)

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(sender, msg)
		if err != nil {
			p.events.Fail(req.To, req.Subject, err.Error())
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(sender),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(sender, msg)
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return p.fail(req, provider.NewError(provider.ErrRejected,
				fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())))
		}
		return p.fail(req, provider.NewError(provider.ErrTransport, err.Error()))
	}

	p.events.Success(req.To, req.Subject)
	return nil
}

func (p *Provider) fail(req *mail.Request, err *provider.Error) error {
	p.events.Fail(req.To, req.Subject, err.Message)
	slog.Warn("SES delivery failed", "kind", err.Kind, "error", err.Message)
	return err
}

func destination(msg *mail.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SendEmailInput for messages without attachments.
func buildSimpleInput(sender string, msg *mail.Message) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		ReplyToAddresses: msg.ReplyTo,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(msg.HTMLBody),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// buildRawMessage constructs a multipart/mixed MIME message. Bcc recipients
// travel only in the envelope.
func buildRawMessage(sender string, msg *mail.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.ReplyTo) > 0 {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", strings.Join(msg.ReplyTo, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", "text/html; charset=UTF-8")
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(msg.HTMLBody)); err != nil {
		return nil, fmt.Errorf("failed to encode body part: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body part: %w", err)
	}

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", mime.QEncoding.Encode("UTF-8", att.Name)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64WithLineBreaks(att.Content)))
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character lines per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(encoded[i:min(i+76, len(encoded))])
	}
	return b.String()
}
