package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/producer"
	"github.com/vinayprograms/agentqueue/reliability"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
)

// CLI dispatch defaults for fields the JSON leaves out.
const (
	defaultMaxRetries   = 3
	defaultTimeoutMs    = 300000
	defaultDispatchedBy = "cli"
)

// withEnv runs fn against a connected env and closes it afterwards.
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cmd.Context(), e)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				s, err := e.producer().Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func printStats(w io.Writer, s producer.Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Queue Statistics")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 20))
	fmt.Fprintf(w, "  Pending:    %d\n", s.Pending)
	fmt.Fprintf(w, "  Processing: %d\n", s.Processing)
	fmt.Fprintf(w, "  Completed:  %d\n", s.Completed)
	fmt.Fprintf(w, "  Failed:     %d\n", s.Failed)
	fmt.Fprintln(w)
}

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <json>",
		Short: "Dispatch a task given as JSON",
		Long: `Dispatch a task. The JSON needs "type" and "payload.prompt"; priority
defaults to normal, maxRetries to 3, timeoutMs to 300000 and dispatchedBy
to "cli".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			urgent, _ := cmd.Flags().GetBool("urgent")
			in, err := parseDispatch(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				p := e.producer()
				var id string
				if urgent {
					id, err = p.DispatchUrgent(ctx, producer.UrgentInput{
						Type:         in.Type,
						Payload:      in.Payload,
						DispatchedBy: in.DispatchedBy,
						MaxRetries:   in.MaxRetries,
						TimeoutMs:    in.TimeoutMs,
					})
				} else {
					id, err = p.Dispatch(ctx, in)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched task: %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Bool("urgent", false, "dispatch with high priority")
	return cmd
}

type dispatchJSON struct {
	Type         schema.TaskType `json:"type"`
	Payload      schema.Payload  `json:"payload"`
	Priority     schema.Priority `json:"priority"`
	DispatchedBy string          `json:"dispatchedBy"`
	MaxRetries   *int            `json:"maxRetries"`
	TimeoutMs    *int            `json:"timeoutMs"`
}

// parseDispatch decodes a dispatch request and fills CLI defaults.
func parseDispatch(raw string) (producer.DispatchInput, error) {
	var d dispatchJSON
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return producer.DispatchInput{}, errors.Validation("task", "task must be a JSON object", errors.WithCause(err))
	}
	in := producer.DispatchInput{
		Type:         d.Type,
		Payload:      d.Payload,
		Priority:     d.Priority,
		DispatchedBy: d.DispatchedBy,
		MaxRetries:   defaultMaxRetries,
		TimeoutMs:    defaultTimeoutMs,
	}
	if in.Priority == "" {
		in.Priority = schema.PriorityNormal
	}
	if in.DispatchedBy == "" {
		in.DispatchedBy = defaultDispatchedBy
	}
	if d.MaxRetries != nil {
		in.MaxRetries = *d.MaxRetries
	}
	if d.TimeoutMs != nil {
		in.TimeoutMs = *d.TimeoutMs
	}
	return in, nil
}

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show recent results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				results, err := e.producer().PollResults(ctx, limit)
				if err != nil {
					return err
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "l", producer.DefaultPollCount, "maximum number of results")
	return cmd
}

func printResults(w io.Writer, results []*schema.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-36s  %-9s %9s  %s\n", "Task ID", "Status", "Duration", "Worker")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 78))
	for _, r := range results {
		fmt.Fprintf(w, "  %-36s  %-9s %7dms  %s\n", r.TaskID, r.Status, r.DurationMs, r.Worker)
	}
	fmt.Fprintln(w)
}

func newAwaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "await <taskId>",
		Short: "Wait for the result of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				r, err := e.producer().AwaitResult(ctx, args[0], timeout)
				if err != nil {
					return err
				}
				if r == nil {
					return errors.Newf(errors.ErrCodeTimeout, "no result for %s within %s", args[0], timeout)
				}
				out, err := json.MarshalIndent(resultView(r), "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode result")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "how long to wait")
	return cmd
}

// resultView is the JSON shape printed for a result.
func resultView(r *schema.Result) map[string]any {
	return map[string]any{
		"taskId":      r.TaskID,
		"worker":      r.Worker,
		"status":      r.Status,
		"result":      r.Result,
		"startedAt":   r.StartedAt.UTC().Format(time.RFC3339Nano),
		"completedAt": r.CompletedAt.UTC().Format(time.RFC3339Nano),
		"durationMs":  r.DurationMs,
	}
}

func newDrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Empty the task, result and dead letter streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ok, _ := cmd.Flags().GetBool("confirm"); !ok {
				return errors.Validation("confirm", "drain deletes every entry; pass --confirm")
			}
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				topo := e.cfg.Streams
				for _, s := range []string{topo.Tasks, topo.Results, topo.DLQ} {
					if err := e.log.Trim(ctx, s, 0); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All streams drained.")
				return nil
			})
		},
	}
	cmd.Flags().Bool("confirm", false, "confirm the drain")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Tail new entries on every stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			topo := e.cfg.Streams
			cursors, err := startCursors(ctx, e.log, topo.Tasks, topo.Results, topo.DLQ)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Monitoring streams (Ctrl+C to stop)...")
			return monitor(ctx, e.log, topo, cursors, cmd.OutOrStdout())
		},
	}
}

// startCursors pins each stream at its current last id. Reading from "$"
// on every call would drop entries appended between two reads.
func startCursors(ctx context.Context, log streams.Log, names ...string) ([]streams.Cursor, error) {
	cursors := make([]streams.Cursor, 0, len(names))
	for _, name := range names {
		last, err := log.RevRange(ctx, name, "+", "-", 1)
		if err != nil {
			return nil, err
		}
		c := streams.Cursor{Stream: name, LastID: "0-0"}
		if len(last) > 0 {
			c.LastID = last[0].ID
		}
		cursors = append(cursors, c)
	}
	return cursors, nil
}

// monitor prints entries after cursors until ctx ends.
func monitor(ctx context.Context, log streams.Log, topo streams.Topology, cursors []streams.Cursor, w io.Writer) error {
	labels := map[string]string{topo.Tasks: "TASK", topo.Results: "RESULT", topo.DLQ: "DLQ"}
	for ctx.Err() == nil {
		entries, err := log.Tail(ctx, cursors, 50, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		for _, se := range entries {
			for i := range cursors {
				if cursors[i].Stream == se.Stream {
					cursors[i].LastID = se.ID
				}
			}
			fmt.Fprintln(w, formatMonitorLine(labels[se.Stream], se.Entry))
		}
	}
	return nil
}

func formatMonitorLine(label string, e streams.Entry) string {
	summary := e.Fields["id"]
	if summary == "" {
		summary = e.Fields["taskId"]
	}
	if summary == "" {
		summary = "?"
	}
	kind := e.Fields["type"]
	if kind == "" {
		kind = e.Fields["status"]
	}
	ts := "?"
	if ms, _, ok := strings.Cut(e.ID, "-"); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			ts = time.UnixMilli(n).UTC().Format("2006-01-02T15:04:05.000Z")
		}
	}
	return fmt.Sprintf("[%s] %-6s %s  %s", ts, label, summary, kind)
}

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List claimed, unacknowledged tasks with their heartbeat state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				store, release, err := e.leaseStore("cli")
				if err != nil {
					return err
				}
				defer release()
				pending, err := e.manager(reliability.WithLeaseStore(store)).Inspect(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(w, "No pending tasks.")
					return nil
				}
				fmt.Fprintf(w, "\n  %-20s %-36s %-8s %-20s %10s %5s  %s\n", "Entry ID", "Task ID", "Type", "Consumer", "Idle", "Dlvr", "Heartbeat")
				fmt.Fprintln(w, "  "+strings.Repeat("-", 110))
				for _, p := range pending {
					hb := "none"
					if p.Alive() {
						hb = p.LeaseHolder
					}
					fmt.Fprintf(w, "  %-20s %-36s %-8s %-20s %10s %5d  %s\n",
						p.EntryID, p.TaskID, p.Type, p.Consumer, p.Idle.Round(time.Second), p.Deliveries, hb)
				}
				fmt.Fprintln(w)
				return nil
			})
		},
	}
}
