package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/observ"
	"github.com/lalithlochan/marquee/internal/upstream"
)

const defaultAddr = "http://localhost:8080"

// cli holds the flags shared by every subcommand.
type cli struct {
	addr    string
	timeout time.Duration
	verbose bool
	out     io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MARQUEE")
	v.AutomaticEnv()
	v.SetDefault("addr", defaultAddr)

	c := &cli{out: out}

	root := &cobra.Command{
		Use:          "marqueectl",
		Short:        "Operate a running marquee gateway",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&c.addr, "addr", v.GetString("addr"), "gateway base URL (env MARQUEE_ADDR)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log requests")

	root.AddCommand(
		c.pendingCmd(),
		c.purgeCmd(),
		c.retryCmd(),
		c.reconcileCmd(),
		c.syncCmd(),
		c.summaryCmd(),
		c.maintenanceCmd(),
		c.shareCmd(),
		c.unshareCmd(),
		c.issueCmd(),
	)
	return root
}

func (c *cli) client() *upstream.Client {
	logger := zap.NewNop()
	if c.verbose {
		if l, err := observ.NewLogger("development", "debug"); err == nil {
			logger = l
		}
	}
	return upstream.New(upstream.Config{
		Name:    "marquee",
		BaseURL: strings.TrimRight(c.addr, "/"),
		Timeout: c.timeout,
	}, logger)
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// printJSON writes a raw response body indented.
func (c *cli) printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// apiError turns a problem+json response into a readable error.
func apiError(err error) error {
	if errors.Is(err, upstream.ErrNotFound) {
		return errors.New("not found")
	}
	var se *upstream.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var p problem
	if json.Unmarshal([]byte(se.Body), &p) != nil || p.Title == "" {
		return fmt.Errorf("gateway returned %d", se.Code)
	}
	if p.Detail != "" {
		return fmt.Errorf("%s: %s", p.Title, p.Detail)
	}
	return errors.New(p.Title)
}
