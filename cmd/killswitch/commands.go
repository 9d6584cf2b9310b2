package main

import (
	"bufio"
	"errors"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"killswitch/internal/client"
	"killswitch/internal/service"
	"killswitch/pkg/utils"
)

// ============ status ============

func (c *cli) statusCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show kill switch state",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, done, err := c.operator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			report, err := op.Status(cmd.Context(), verify)
			if err != nil {
				return err
			}
			return c.printStatus(report)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "replay the audit trail and compare with the current state")
	return cmd
}

// ============ trigger ============

func (c *cli) triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <reason...>",
		Short: "Kill trading immediately",
		Args: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(strings.Join(args, " ")) == "" {
				return errArgs("trigger requires a reason")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			op, done, err := c.operator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			ev, err := op.Trigger(cmd.Context(), strings.Join(args, " "), c.operatorName)
			if err != nil {
				return err
			}
			return c.printEvent(ev)
		},
	}
}

// ============ recover ============

func (c *cli) recoverCmd() *cobra.Command {
	var (
		code        string
		reason      string
		contextFile string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Request recovery from KILLED (approval code from --code or first stdin line)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				var err error
				if code, err = readCode(c.in); err != nil {
					return err
				}
			}

			op, done, err := c.operator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := submitContext(cmd.Context(), op, contextFile); err != nil {
				return err
			}

			res, err := op.Recover(cmd.Context(), service.RecoverInput{
				RequestedBy:  c.operatorName,
				ApprovalCode: code,
				Reason:       reason,
			})
			if err != nil {
				return err
			}
			return c.printRecover(res)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "approval code (prefer stdin)")
	cmd.Flags().StringVar(&reason, "reason", "", "recovery reason")
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with trading context to submit first")
	return cmd
}

// readCode читает код подтверждения из первой строки ввода
func readCode(in io.Reader) (string, error) {
	if in == nil {
		return "", errArgs("approval code is required")
	}
	sc := bufio.NewScanner(in)
	if sc.Scan() {
		if code := strings.TrimSpace(sc.Text()); code != "" {
			return code, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", errArgs("read approval code: " + err.Error())
	}
	return "", errArgs("approval code is required")
}

// ============ audit ============

func (c *cli) auditCmd() *cobra.Command {
	var (
		since string
		until string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit trail entries",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			from, err := utils.ParseSince(since, now)
			if err != nil {
				return errArgs("since: " + err.Error())
			}
			to, err := utils.ParseSince(until, now)
			if err != nil {
				return errArgs("until: " + err.Error())
			}
			if limit < 0 {
				return errArgs("limit must be >= 0")
			}

			op, done, err := c.operator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			entries, err := op.Audit(cmd.Context(), from, to, limit)
			if err != nil {
				return err
			}
			return c.printAudit(entries)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 time or duration ago")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the last N entries (0 = all)")
	return cmd
}

// ============ health ============

func (c *cli) healthCmd() *cobra.Command {
	var contextFile string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run pre-recovery health checks (exit 0 only when healthy)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, done, err := c.operator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := submitContext(cmd.Context(), op, contextFile); err != nil {
				return err
			}

			res, err := op.Health(cmd.Context())
			if err != nil && !errors.Is(err, service.ErrUnhealthy) {
				return err
			}
			if perr := c.printHealth(res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with trading context to submit first")
	return cmd
}

// ============ watch ============

func (c *cli) watchCmd() *cobra.Command {
	var retries int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow state transitions from the daemon until interrupted",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.local {
				return errArgs("watch needs a running daemon, drop --local")
			}

			cfg := client.DefaultStreamConfig()
			cfg.MaxRetries = retries
			stream, err := client.NewStream(c.serverURL(), c.apiToken(), cfg, c.logger)
			if err != nil {
				return errArgs(err.Error())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return stream.Run(ctx, c.printStreamEvent)
		},
	}
	cmd.Flags().IntVar(&retries, "retries", 0, "give up after N failed reconnects (0 = never)")
	return cmd
}
