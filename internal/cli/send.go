package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider/stdout"
	"github.com/shineum/m365-mailer/internal/store"
)

type sendFlags struct {
	to          []string
	subject     string
	body        string
	bodyFile    string
	headers     []string
	attachments []string
	from        string
	dryRun      bool
}

func newSendCmd(opts *options) *cobra.Command {
	f := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message through the configured provider",
		Long: `Send one message through the configured provider.

The body may be plain text or HTML. Plain text is converted to paragraphs.
Headers use the "Name: value" form; Cc, Bcc and Reply-To are honoured.

Examples:
  m365-mailer send --to user@example.com --subject "Hello" --body "Hi there"
  m365-mailer send --to a@example.com,b@example.com --subject Report \
      --body-file report.html --attach report.pdf --header "Cc: boss@example.com"
  echo "Build finished" | m365-mailer send --to ops@example.com --subject CI --body-file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd, opts, f)
		},
	}

	cmd.Flags().StringSliceVar(&f.to, "to", nil, "recipient addresses (repeatable or comma-separated)")
	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "message subject")
	cmd.Flags().StringVarP(&f.body, "body", "b", "", "message body, plain text or HTML")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", `read the body from a file ("-" for stdin)`)
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, `extra header such as "Cc: a@example.com" (repeatable)`)
	cmd.Flags().StringArrayVarP(&f.attachments, "attach", "a", nil, "file to attach (repeatable)")
	cmd.Flags().StringVar(&f.from, "from", "", "sender address overriding the stored from-address")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the message instead of delivering it")
	_ = cmd.MarkFlagRequired("to")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")

	return cmd
}

func runSend(cmd *cobra.Command, opts *options, f *sendFlags) error {
	body, err := f.readBody(cmd.InOrStdin())
	if err != nil {
		return err
	}

	var to []string
	for _, v := range f.to {
		to = append(to, mail.SplitRecipients(v)...)
	}
	if len(to) == 0 {
		return errors.New("at least one recipient is required")
	}

	req := &mail.Request{
		To:          to,
		Subject:     f.subject,
		Body:        body,
		Headers:     f.headers,
		Attachments: f.attachments,
		Sender:      f.from,
	}

	return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
		p := a.provider
		if f.dryRun {
			// Dry runs leave the persistent event log untouched.
			p = stdout.NewWithWriter(cmd.OutOrStdout(), a.settings, eventlog.New(store.NewMemory()))
		}

		if err := p.Send(cmd.Context(), req); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
		if !f.dryRun {
			cmd.Println("Message accepted for delivery.")
		}
		return nil
	})
}

func (f *sendFlags) readBody(stdin io.Reader) (string, error) {
	switch f.bodyFile {
	case "":
		return f.body, nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read body file: %w", err)
		}
		return string(data), nil
	}
}
