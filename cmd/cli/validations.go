package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/tavalid/config"
	"github.com/cochaviz/tavalid/daemon"
	"github.com/cochaviz/tavalid/internal/validation"
)

type submitFlags struct {
	manifest       string
	artifact       string
	samples        string
	sourcetype     string
	expectedFields []string
	previous       string
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.manifest, "manifest", "m", "", "YAML manifest describing the submission")
	cmd.Flags().StringVar(&f.artifact, "artifact", "", "Artifact reference (path, file:// or s3:// URL)")
	cmd.Flags().StringVar(&f.samples, "samples", "", "Sample data reference (path, file:// or s3:// URL)")
	cmd.Flags().StringVar(&f.sourcetype, "sourcetype", "", "Sourcetype assigned to the sample data")
	cmd.Flags().StringSliceVar(&f.expectedFields, "expected-field", nil, "Field the add-on must extract; repeat or comma-separate")
	cmd.Flags().StringVar(&f.previous, "previous", "", "Id of the validation this one supersedes")
}

// request builds the submission from the manifest, if any, with explicit
// flags taking precedence.
func (f *submitFlags) request() (validation.SubmitRequest, error) {
	var req validation.SubmitRequest
	if strings.TrimSpace(f.manifest) != "" {
		m, err := validation.LoadManifest(f.manifest)
		if err != nil {
			return req, err
		}
		req = m.SubmitRequest()
	}
	if f.artifact != "" {
		req.ArtifactRef = f.artifact
	}
	if f.samples != "" {
		req.SampleRef = f.samples
	}
	if f.sourcetype != "" {
		req.Sourcetype = f.sourcetype
	}
	if len(f.expectedFields) > 0 {
		req.ExpectedFields = f.expectedFields
	}
	if f.previous != "" {
		req.PreviousID = f.previous
	}
	if req.ArtifactRef == "" || req.SampleRef == "" {
		return req, fmt.Errorf("an artifact and samples are required (use --manifest or --artifact/--samples)")
	}
	return req, nil
}

func newSubmitCommand(a *app) *cobra.Command {
	var (
		flags submitFlags
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a validation to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			res, err := client.Submit(req)
			if err != nil {
				return err
			}
			a.logger.Info("validation submitted", "request_id", res.Request.ID, "admitted", res.Admitted)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Request.ID)
			if !res.Admitted {
				fmt.Fprintf(out, "queued: sandbox capacity reached, retrying every %s\n", res.RetryAfter)
			}
			if !watch {
				return nil
			}
			return a.watch(cmd, res.Request.ID)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the validation until it finishes")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the status of a validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			view, err := client.Status(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), view)
			}
			printStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full status as JSON")
	return cmd
}

func newCancelCommand(a *app) *cobra.Command {
	var viaSignal bool

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Cancel a running validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if viaSignal {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				if err := daemon.WriteCancelSignal(cfg.Daemon.SignalsDir, id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancel signalled", id)
				return nil
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			if err := client.Cancel(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&viaSignal, "signal", false, "Drop a marker in the daemon's signals directory instead of using the socket")
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	var req daemon.ListRequest

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			views, err := client.List(req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintln(out, "no validations")
				return nil
			}
			for _, view := range views {
				printRow(out, view)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Status, "status", "", "Only show validations in this status")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Show at most this many of the most recent validations")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Follow a validation's progress until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, strings.TrimSpace(args[0]))
		},
	}
}

func (a *app) watch(cmd *cobra.Command, id string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if cfg.Daemon.HTTPAddr == "" {
		return fmt.Errorf("watch needs daemon.http_addr to be configured")
	}
	out := cmd.OutOrStdout()
	last, err := daemon.Watch(cmd.Context(), cfg.Daemon.HTTPAddr, id, func(ev validation.Event) {
		printEvent(out, ev)
	})
	if err != nil {
		return err
	}
	if last.Status == validation.StatusFailed {
		return errValidationFailed
	}
	return nil
}

func newRunCommand(a *app) *cobra.Command {
	var (
		flags  submitFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate once in this process without a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			logger := a.logger.With("command", "run")
			ctx := cmd.Context()

			svc, err := config.BuildService(ctx, cfg, config.ServiceOptions{InMemory: true}, logger)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer svc.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			events, unsubscribe := svc.Events.Subscribe(64)
			defer unsubscribe()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for ev := range events {
					if !asJSON {
						printEvent(out, ev)
					}
				}
			}()

			submitted, err := svc.Dispatcher.Submit(ctx, req)
			if err != nil {
				return err
			}
			final, err := svc.Coordinator.Wait(ctx, submitted.ID)
			if err != nil {
				return err
			}
			unsubscribe()
			<-printed

			if asJSON {
				if err := printJSON(out, final); err != nil {
					return err
				}
			} else {
				printVerdict(out, final.View())
			}
			if final.Status != validation.StatusPassed {
				return errValidationFailed
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final request as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
