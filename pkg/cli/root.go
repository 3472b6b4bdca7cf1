// Package cli builds the redrive command tree.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nimburion/redrive/pkg/config"
	"github.com/nimburion/redrive/pkg/health"
	"github.com/nimburion/redrive/pkg/observability/logger"
	"github.com/nimburion/redrive/pkg/queue"
	"github.com/nimburion/redrive/pkg/redrive"
	"github.com/nimburion/redrive/pkg/version"
	"github.com/spf13/cobra"
)

var (
	// ErrNotConfirmed is returned when a destructive command is not confirmed.
	ErrNotConfirmed = errors.New("not confirmed: pass --yes to run this command")
	// ErrUnhealthy is returned by healthcheck when a check fails.
	ErrUnhealthy = errors.New("one or more health checks failed")
	// ErrStalled is returned when a redrive round finds messages but moves none.
	ErrStalled = errors.New("redrive stopped without draining the dead letter queue")
)

// Options configures the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Optional: overrides backend construction.
	ClientFactory ClientFactory
	// Optional: overrides archive sink construction.
	SinkFactory SinkFactory
}

// globalFlagKeys maps config keys to the persistent flags that override them.
var globalFlagKeys = map[string]string{
	"queue.backend":            "backend",
	"queue.primary":            "primary",
	"queue.dlq":                "dlq",
	"observability.log_level":  "log-level",
	"observability.log_format": "log-format",
}

type app struct {
	opts       Options
	cfgPath    string
	secretFile string
}

// NewRootCommand creates the CLI with list, purge, redrive, send, healthcheck, version and config subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "redrive"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "REDRIVE"
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = NewQueueClient
	}
	if opts.SinkFactory == nil {
		opts.SinkFactory = NewArchiveSink
	}

	a := &app{opts: opts}
	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(opts.Stdin)
	rootCmd.SetOut(opts.Stdout)
	rootCmd.SetErr(opts.Stderr)
	setRunPolicy(rootCmd, PolicyAlways)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.StringVar(&a.secretFile, "secret-file", "", "path to secrets file")
	flags.String("backend", "", "queue backend: sqs, redis or memory")
	flags.String("primary", "", "primary queue URL or name")
	flags.String("dlq", "", "dead letter queue URL or name")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		a.versionCommand(),
		a.listCommand(),
		a.purgeCommand(),
		a.redriveCommand(),
		a.sendCommand(),
		a.healthcheckCommand(),
		a.configCommand(),
	)
	return rootCmd
}

func (a *app) versionCommand() *cobra.Command {
	return setRunPolicy(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(a.opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", info.Name)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}, PolicyAlways)
}

func (a *app) listCommand() *cobra.Command {
	var archiveFlag bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the failed messages in the dead letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, archiveFlagKeys, func(ctx context.Context, rt *Runtime) error {
				report, err := rt.Engine.Execute(ctx, redrive.ListFailedOp{Progress: func(found int) {
					fmt.Fprintf(cmd.ErrOrStderr(), "Polling failed messages from the dead letter queue (%d found)\n", found)
				}})
				if err != nil {
					return err
				}
				renderMessages(cmd.OutOrStdout(), a.opts.Name, report.Messages)
				if archiveFlag && len(report.Messages) > 0 {
					location, err := rt.Archive(ctx, report.Messages)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Archived %d messages to %s\n", len(report.Messages), location)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archiveFlag, "archive", false, "write the listed messages to the configured archive")
	cmd.Flags().String("archive-dir", "", "archive to this local directory instead of the configured archive")
	return setRunPolicy(cmd, PolicyAlways)
}

func (a *app) purgeCommand() *cobra.Command {
	var (
		yes         bool
		archiveFlag bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every message in the dead letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, archiveFlagKeys, func(ctx context.Context, rt *Runtime) error {
				if requiresConfirmation(cmd) && !yes {
					confirmed, err := confirm(cmd, fmt.Sprintf("Purge every message in %s? Type 'yes' to continue: ", rt.Config.Queue.DLQ))
					if err != nil {
						return err
					}
					if !confirmed {
						return ErrNotConfirmed
					}
				}

				if archiveFlag {
					report, err := rt.Engine.Execute(ctx, redrive.ListFailedOp{Drain: true})
					if err != nil {
						return fmt.Errorf("list before archive: %w", err)
					}
					if len(report.Messages) > 0 {
						location, err := rt.Archive(ctx, report.Messages)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "Archived %d messages to %s\n", len(report.Messages), location)
					}
				}

				fmt.Fprintln(cmd.ErrOrStderr(), "Purging the dead letter queue of failed messages")
				if _, err := rt.Engine.Execute(ctx, redrive.PurgeAllOp{}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "The dead letter queue has been purged, failed messages are gone")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&archiveFlag, "archive", false, "archive the messages before purging")
	cmd.Flags().String("archive-dir", "", "archive to this local directory instead of the configured archive")
	return setRunPolicy(cmd, PolicyManual)
}

func (a *app) redriveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Move failed messages from the dead letter queue back to the primary queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{
				"redrive.rate_limit":     "rate-limit",
				"redrive.fresh_dedup_id": "fresh-dedup-id",
			}
			return a.run(cmd, flags, func(ctx context.Context, rt *Runtime) error {
				progress := func(p redrive.Progress) {
					if p.Found > 0 {
						renderRedriveProgress(cmd.ErrOrStderr(), p)
					}
				}
				report, err := rt.Engine.Execute(ctx, redrive.RedriveAllOp{Progress: progress})
				var abort *redrive.AbortError
				if err != nil && !errors.As(err, &abort) {
					if report.Summary != nil && report.Summary.Rounds > 0 {
						renderInterrupted(cmd.OutOrStdout(), *report.Summary)
					}
					return err
				}
				renderSummary(cmd.OutOrStdout(), *report.Summary)
				if err != nil {
					return err
				}
				if report.Summary.State == redrive.StateExhausted {
					return ErrStalled
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64("rate-limit", 0, "maximum messages redriven per second (0 disables the limit)")
	cmd.Flags().Bool("fresh-dedup-id", false, "send FIFO messages with a new deduplication id")
	return setRunPolicy(cmd, PolicyOnDemand)
}

func (a *app) sendCommand() *cobra.Command {
	var (
		body       string
		attributes map[string]string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message to the primary queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("body") {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read message body: %w", err)
				}
				body = strings.TrimRight(string(raw), "\r\n")
			}
			return a.run(cmd, nil, func(ctx context.Context, rt *Runtime) error {
				attrs := make(map[string]queue.Attribute, len(attributes))
				for name, value := range attributes {
					attrs[name] = queue.Attribute{DataType: "String", StringValue: value}
				}
				if _, err := rt.Engine.Execute(ctx, redrive.SendOneOp{Body: body, Attributes: attrs}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s\n", rt.Config.Queue.Primary)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "message body (read from stdin when omitted)")
	cmd.Flags().StringToStringVar(&attributes, "attribute", nil, "string message attribute as name=value (repeatable)")
	return setRunPolicy(cmd, PolicyOnDemand)
}

func (a *app) healthcheckCommand() *cobra.Command {
	return setRunPolicy(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the queues and the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, nil, func(ctx context.Context, rt *Runtime) error {
				registry := health.NewRegistry()
				checker, _ := rt.Client.(queue.HealthChecker)
				timeout := rt.Config.Queue.CallTimeout
				if checker != nil {
					registry.Register(health.NewQueueChecker("primary", checker, queue.Ref(rt.Config.Queue.Primary), timeout))
					registry.Register(health.NewQueueChecker("dlq", checker, queue.Ref(rt.Config.Queue.DLQ), timeout))
				}
				sink, err := a.opts.SinkFactory(ctx, rt.Config, rt.Logger)
				if err != nil {
					registry.Register(health.NewAdapterChecker("archive", failingCheck{err: err}, timeout))
				} else if checkable, ok := sink.(health.Checkable); ok {
					registry.Register(health.NewAdapterChecker("archive", checkable, timeout))
				}

				result := registry.Check(ctx)
				out := cmd.OutOrStdout()
				for _, check := range result.Checks {
					line := fmt.Sprintf("%-8s %-10s %s", check.Name, check.Status, check.Duration.Round(time.Millisecond))
					if check.Error != "" {
						line += "  " + check.Error
					}
					fmt.Fprintln(out, line)
				}
				if !result.IsHealthy() {
					return ErrUnhealthy
				}
				return nil
			})
		},
	}, PolicyAlways)
}

func (a *app) configCommand() *cobra.Command {
	configCmd := setRunPolicy(&cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}, PolicyAlways)

	configCmd.AddCommand(setRunPolicy(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := a.loadConfig(cmd, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}, PolicyAlways))

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := a.loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			var formatted string
			if showSecrets {
				formatted, err = cfg.YAML()
			} else {
				formatted, err = cfg.Redacted(secrets)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(setRunPolicy(showCmd, PolicyAlways))
	return configCmd
}

var archiveFlagKeys = map[string]string{"archive.directory": "archive-dir"}

// loadConfig resolves the configuration for cmd. extra maps config keys to
// flags defined only on cmd.
func (a *app) loadConfig(cmd *cobra.Command, extra map[string]string) (*config.Config, *config.Config, error) {
	keys := make(map[string]string, len(globalFlagKeys)+len(extra))
	for key, flag := range globalFlagKeys {
		keys[key] = flag
	}
	for key, flag := range extra {
		keys[key] = flag
	}
	cfg, secrets, err := config.NewViperLoader(a.cfgPath, a.opts.EnvPrefix).
		WithSecretsFile(a.secretFile).
		WithFlags(cmd.Flags(), keys).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, secrets, nil
}

// run loads configuration, builds the runtime, runs fn and releases the runtime.
func (a *app) run(cmd *cobra.Command, extra map[string]string, fn func(ctx context.Context, rt *Runtime) error) error {
	cfg, _, err := a.loadConfig(cmd, extra)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := newRuntime(cmd.Context(), cfg, log, a.opts.ClientFactory, a.opts.SinkFactory)
	if err != nil {
		return err
	}
	ctx := logger.ContextWithRunID(cmd.Context(), rt.RunID)
	runErr := fn(ctx, rt)
	if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
		log.WithContext(ctx).Warn("failed to release resources", "error", err)
	}
	return runErr
}

func newLogger(cfg *config.Config, out io.Writer) (*logger.ZapLogger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: out})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

type failingCheck struct{ err error }

func (f failingCheck) HealthCheck(context.Context) error { return f.err }
