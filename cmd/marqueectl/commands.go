package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/lalithlochan/marquee/internal/db"
)

func (c *cli) pendingCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List notifications waiting to be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var resp struct {
				Data  []db.Notification `json:"data"`
				Count int               `json:"count"`
			}
			if err := c.client().GetJSON(ctx, "/v1/notifications/pending", q, &resp); err != nil {
				return apiError(err)
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTO\tSUBJECT\tSEND AFTER\tATTEMPTS")
			for _, n := range resp.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", n.ID, n.Type, recipient(n), n.Subject, sendAfter(n.SendAfter), n.Attempts)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%d pending\n", resp.Count)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to show (max 500)")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func recipient(n db.Notification) string {
	switch {
	case n.Email != "":
		return n.Email
	case n.Recipient != "":
		return n.Recipient
	}
	return "-"
}

func sendAfter(t *time.Time) string {
	if t == nil {
		return "now"
	}
	return humanize.Time(*t)
}

func (c *cli) purgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Mark every pending notification sent without sending it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("purge drops every pending email; pass --yes to confirm")
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			var resp map[string]int64
			if err := c.client().PostJSON(ctx, "/v1/notifications/purge", nil, &resp); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "purged %s notifications\n", humanize.Comma(resp["purged"]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Make failed and delayed notifications eligible on the next pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			var resp map[string]int64
			if err := c.client().PostJSON(ctx, "/v1/notifications/retry", nil, &resp); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "reset %s notifications\n", humanize.Comma(resp["reset"]))
			return nil
		},
	}
}

// post runs a POST with no body and prints the JSON reply.
func (c *cli) post(cmd *cobra.Command, path string) error {
	ctx, cancel := c.context(cmd)
	defer cancel()

	var raw json.RawMessage
	if err := c.client().PostJSON(ctx, path, nil, &raw); err != nil {
		return apiError(err)
	}
	return c.printJSON(raw)
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd, "/v1/reconcile")
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror users and requests from the request tracker now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd, "/v1/sync")
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Queue this week's summary if it has not gone out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			var resp map[string]bool
			if err := c.client().PostJSON(ctx, "/v1/summary", nil, &resp); err != nil {
				return apiError(err)
			}
			if resp["queued"] {
				fmt.Fprintln(c.out, "weekly summary queued")
			} else {
				fmt.Fprintln(c.out, "weekly summary already sent this week")
			}
			return nil
		},
	}
}

func (c *cli) maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Schedule or cancel maintenance windows",
	}

	var (
		title, description string
		start              string
		duration           time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Schedule a window and announce it to every user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			startAt := time.Now().UTC()
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				startAt = t
			}

			ctx, cancel := c.context(cmd)
			defer cancel()

			body := map[string]interface{}{
				"title":       title,
				"description": description,
				"start_time":  startAt,
				"end_time":    startAt.Add(duration),
			}
			var w db.MaintenanceWindow
			if err := c.client().PostJSON(ctx, "/v1/maintenance", body, &w); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "maintenance window %d scheduled %s until %s\n",
				w.ID, humanize.Time(w.StartTime), w.EndTime.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "window title")
	create.Flags().StringVar(&description, "description", "", "what is happening")
	create.Flags().StringVar(&start, "start", "", "start time, RFC 3339 (default now)")
	create.Flags().DurationVar(&duration, "for", time.Hour, "window length")
	_ = create.MarkFlagRequired("title")

	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a scheduled or running window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("window", args[0])
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			if err := c.client().Delete(ctx, fmt.Sprintf("/v1/maintenance/%d", id), nil); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "maintenance window %d cancelled\n", id)
			return nil
		},
	}

	cmd.AddCommand(create, cancelCmd)
	return cmd
}

func (c *cli) shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share REQUEST_ID USER_ID",
		Short: "Subscribe a user to another user's request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, userID, err := parsePair(args)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			path := fmt.Sprintf("/v1/requests/%d/shares/%d", requestID, userID)
			if err := c.client().PostJSON(ctx, path, nil, nil); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "request %d shared with user %d\n", requestID, userID)
			return nil
		},
	}
}

func (c *cli) unshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unshare REQUEST_ID USER_ID",
		Short: "Remove a user's subscription to a shared request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, userID, err := parsePair(args)
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			path := fmt.Sprintf("/v1/requests/%d/shares/%d", requestID, userID)
			if err := c.client().Delete(ctx, path, nil); err != nil {
				return apiError(err)
			}
			fmt.Fprintf(c.out, "request %d no longer shared with user %d\n", requestID, userID)
			return nil
		},
	}
}

func (c *cli) issueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Manage reported issues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve ID",
		Short: "Mark an issue resolved and notify the reporter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			return c.post(cmd, fmt.Sprintf("/v1/issues/%d/resolve", id))
		},
	})
	return cmd
}

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func parsePair(args []string) (int64, int64, error) {
	requestID, err := parseID("request", args[0])
	if err != nil {
		return 0, 0, err
	}
	userID, err := parseID("user", args[1])
	if err != nil {
		return 0, 0, err
	}
	return requestID, userID, nil
}
