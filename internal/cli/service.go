package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/shineum/m365-mailer/internal/config"
)

const serviceName = "m365-mailer"

// program runs serve under the system service manager.
type program struct {
	cfg    *config.Config
	out    io.Writer
	cancel context.CancelFunc
	done   chan error
}

// Start must not block, so serve runs in its own goroutine.
func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := serve(ctx, p.cfg, p.out)
		if err != nil && ctx.Err() == nil {
			slog.Error("server stopped unexpectedly", "error", err)
			os.Exit(exitError)
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels serve and waits for it to return.
func (p *program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

// serviceConfig describes the installed service. It runs "serve" with the
// same configuration sources as the installing command, from the current
// directory so relative paths keep working.
func serviceConfig(opts *options) (*service.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	args := []string{"serve"}
	if opts.configPath != "" {
		path, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", path)
	}
	if opts.envFile != "" {
		path, err := filepath.Abs(opts.envFile)
		if err != nil {
			return nil, err
		}
		args = append(args, "--env-file", path)
	}

	return &service.Config{
		Name:             serviceName,
		DisplayName:      "Microsoft 365 Mailer",
		Description:      "SMTP relay delivering mail through Microsoft Graph.",
		Arguments:        args,
		WorkingDirectory: wd,
	}, nil
}

func newServiceCmd(opts *options) *cobra.Command {
	actions := append(slices.Clone(service.ControlAction[:]), "status")

	return &cobra.Command{
		Use:       "service <action>",
		Short:     "Install or control m365-mailer as a system service",
		Long:      fmt.Sprintf("Control the system service. Actions: %v.", actions),
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcConfig, err := serviceConfig(opts)
			if err != nil {
				return err
			}
			s, err := service.New(&program{cfg: opts.cfg, out: cmd.OutOrStdout()}, svcConfig)
			if err != nil {
				return fmt.Errorf("failed to create service: %w", err)
			}

			action := args[0]
			if action == "status" {
				st, err := s.Status()
				if err != nil {
					return fmt.Errorf("failed to query service: %w", err)
				}
				cmd.Println(serviceStatusText(st))
				return nil
			}

			if err := service.Control(s, action); err != nil {
				return fmt.Errorf("service %s failed: %w", action, err)
			}
			cmd.Printf("Service %s succeeded.\n", action)
			return nil
		},
	}
}

// runManaged runs serve under the service manager when the process was not
// started from a terminal.
func runManaged(opts *options, out io.Writer) error {
	svcConfig, err := serviceConfig(opts)
	if err != nil {
		return err
	}
	s, err := service.New(&program{cfg: opts.cfg, out: out}, svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return s.Run()
}

func serviceStatusText(st service.Status) string {
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
