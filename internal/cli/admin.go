package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/m365-mailer/internal/admin"
	"github.com/shineum/m365-mailer/internal/eventlog"
)

func newAuthCmd(opts *options) *cobra.Command {
	var in admin.CredentialsInput

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Save Microsoft 365 app credentials and request a token",
		Long: `Save the tenant id, client id and client secret of the Entra ID app
registration, then check that they yield an access token.

Flags left empty keep the stored values, so a secret can be rotated with
"m365-mailer auth --client-secret NEW".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
				current, err := a.settings.Credentials()
				if err != nil {
					return err
				}
				if in.TenantID == "" {
					in.TenantID = current.TenantID
				}
				if in.ClientID == "" {
					in.ClientID = current.ClientID
				}

				if err := a.admin.SaveAndAuthenticate(cmd.Context(), in); err != nil {
					return err
				}
				cmd.Println("Successfully authenticated with Microsoft 365.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.TenantID, "tenant-id", "", "directory (tenant) id")
	cmd.Flags().StringVar(&in.ClientID, "client-id", "", "application (client) id")
	cmd.Flags().StringVar(&in.ClientSecret, "client-secret", "", "client secret value")
	return cmd
}

func newValidateSenderCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-sender <address>",
		Short: "Send a message from an address to itself and store it as the sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
				if err := a.admin.ValidateSender(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Println("Sender email validated successfully.")
				return nil
			})
		},
	}
}

func newTestEmailCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test-email <address>",
		Short: "Send the test message to an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
				if err := a.admin.SendTestEmail(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Println("Test email sent successfully.")
				return nil
			})
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	var clearLogs, asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent delivery attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
				if clearLogs {
					if err := a.admin.ClearLogs(); err != nil {
						return err
					}
					cmd.Println("Logs cleared.")
					return nil
				}

				entries, err := a.admin.Logs()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No log entries.")
					return nil
				}
				return writeEntries(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().BoolVar(&clearLogs, "clear", false, "delete all entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored configuration and check results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, cmd.OutOrStdout(), func(a *app) error {
				st, err := a.admin.Status()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return writeStatus(cmd.OutOrStdout(), st)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeEntries(w io.Writer, entries []eventlog.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tTO\tSUBJECT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Status, e.Recipients, e.Subject, e.Error)
	}
	return tw.Flush()
}

func writeStatus(w io.Writer, st admin.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Provider:\t%s\n", st.Provider)
	fmt.Fprintf(tw, "Tenant ID:\t%s\n", orDash(st.TenantID))
	fmt.Fprintf(tw, "Client ID:\t%s\n", orDash(st.ClientID))
	fmt.Fprintf(tw, "Client secret:\t%s\n", setOrUnset(st.ClientSecretSet))
	fmt.Fprintf(tw, "From email:\t%s\n", orDash(st.FromEmail))
	if len(st.Missing) > 0 {
		fmt.Fprintf(tw, "Missing:\t%s\n", strings.Join(st.Missing, ", "))
	}
	fmt.Fprintf(tw, "Authenticated:\t%s\n", yesNo(st.Authenticated))
	fmt.Fprintf(tw, "Sender validated:\t%s\n", yesNo(st.SenderValidated))
	fmt.Fprintf(tw, "Admin consent:\t%s\n", yesNo(st.ConsentGranted))
	fmt.Fprintf(tw, "Token cached:\t%s\n", yesNo(st.TokenCached))
	if e := st.LastEvent; e != nil {
		last := fmt.Sprintf("%s %s to %s", e.Time.Local().Format(time.DateTime), e.Status, e.Recipients)
		if e.Error != "" {
			last += ": " + e.Error
		}
		fmt.Fprintf(tw, "Last attempt:\t%s\n", last)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func setOrUnset(b bool) string {
	if b {
		return "set"
	}
	return "not set"
}
