// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/messagebus/pkg/client"
	"github.com/jllopis/messagebus/pkg/config"
	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/errors"
	"github.com/jllopis/messagebus/pkg/message"
	"github.com/jllopis/messagebus/pkg/resilience"
)

// lineWriter serializes writes from concurrent listeners.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *lineWriter) message(msg *message.Message) {
	data, err := msg.Serialize()
	if err != nil {
		return
	}
	l.println(string(data))
}

// parsePayload decodes the optional JSON object argument at index i.
func parsePayload(args []string, i int) (map[string]any, error) {
	if len(args) <= i || args[i] == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(args[i]), &payload); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "payload is not a JSON object", err).
			WithContext("payload", args[i])
	}
	return payload, nil
}

// withClient runs a client in the background while fn uses it.
func (a *app) withClient(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	c, err := a.newClient()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := c.RunInBackground(runCtx)
	defer func() {
		cancel()
		_ = c.Close()
		<-done
	}()
	return fn(ctx, c)
}

func newSendCmd(a *app) *cobra.Command {
	retry := resilience.DefaultRetryConfig()
	var (
		attempts int
		maxDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send TYPE [PAYLOAD]",
		Short: "Send one message and exit",
		Example: `  busctl send speak '{"utterance": "hello"}'
  busctl -s gui send gui.value.set '{"value": 1}'
  busctl send --retries 10 --max-delay 2s mycroft.stop`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args, 1)
			if err != nil {
				return err
			}
			if attempts < 1 {
				return errors.New(errors.CodeInvalidInput, "--retries must be at least 1", nil).
					WithContext("retries", attempts)
			}
			bc, err := a.busConfig()
			if err != nil {
				return err
			}
			return client.Send(cmd.Context(), args[0], payload, bc,
				client.SendWithRetry(retry.WithMaxAttempts(attempts).WithMaxDelay(maxDelay)),
				client.SendWithLogger(a.logger),
			)
		},
	}
	cmd.Flags().IntVar(&attempts, "retries", retry.MaxAttempts, "connection attempts before giving up")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", retry.MaxDelay, "longest wait between connection attempts")
	return cmd
}

func newListenCmd(a *app) *cobra.Command {
	var (
		types []string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print bus traffic as JSON lines",
		Long: `Print every frame seen on the bus, one per line. With --type only the
listed message types are printed. With --watch the client reconnects when
the bus section of the configuration file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &lineWriter{w: a.stdout}
			if !watch {
				c, err := a.newListenClient()
				if err != nil {
					return err
				}
				subscribe(c, out, types)
				return c.Run(cmd.Context())
			}
			return a.listenWatching(cmd.Context(), out, types)
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only print these message types")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reconnect when the configuration file changes")
	return cmd
}

// newListenClient dispatches frames in the goroutine that reads them, so they
// print in arrival order.
func (a *app) newListenClient() (*client.Client, error) {
	e := emitter.New(emitter.WithSynchronous(), emitter.WithLogger(a.logger))
	return a.newClient(client.WithEmitter(e))
}

func subscribe(c *client.Client, out *lineWriter, types []string) {
	if len(types) == 0 {
		c.OnRaw(out.println)
		return
	}
	for _, t := range types {
		c.On(t, func(_ context.Context, msg *message.Message) { out.message(msg) })
	}
}

func (a *app) listenWatching(ctx context.Context, out *lineWriter, types []string) error {
	if a.configPath == "" {
		return errors.New(errors.CodeConfig, "--watch needs a configuration file", nil)
	}
	opts := append([]config.WatcherOption{config.WithWatchLogger(a.logger)}, a.watchOptions...)
	w, err := config.NewWatcher(a.configPath, a.profile, opts...)
	if err != nil {
		return err
	}
	changes := make(chan *config.Config, 1)
	w.OnChange(func(cfg *config.Config) {
		for {
			select {
			case changes <- cfg:
				return
			default:
			}
			select {
			case <-changes:
			default:
			}
		}
	})
	w.Start(ctx)
	defer w.Stop()

	for {
		c, err := a.newListenClient()
		if err != nil {
			return err
		}
		subscribe(c, out, types)
		runCtx, cancel := context.WithCancel(ctx)
		done := c.RunInBackground(runCtx)

		restart, err := a.awaitSectionChange(ctx, c.Config(), changes, done)
		cancel()
		_ = c.Close()
		<-done
		if !restart {
			return err
		}
		a.logger.Info("bus section changed, reconnecting", "section", a.section, "url", a.busURL())
	}
}

// awaitSectionChange blocks until the selected section changes, the client
// stops or ctx ends. It reports whether the client should be rebuilt.
func (a *app) awaitSectionChange(ctx context.Context, current client.Config, changes <-chan *config.Config, done <-chan error) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case err := <-done:
			return false, err
		case cfg := <-changes:
			bc, err := cfg.Section(a.section)
			if err != nil {
				a.logger.Warn("reloaded configuration has no such section, keeping connection", "section", a.section)
				continue
			}
			if bc == current {
				continue
			}
			a.cfg.Bus[a.section] = bc
			return true, nil
		}
	}
}

func newEchoCmd(a *app) *cobra.Command {
	var repeat bool
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Log every frame on the bus",
		Long: `Log every frame on the bus at info level. Registration tokens are
blanked. With --repeat, recognized utterances are spoken back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			c.OnRaw(client.NewEchoHandler(a.logger))
			if repeat {
				client.RepeatUtterances(c)
			}
			return c.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&repeat, "repeat", false, "speak recognized utterances back")
	return cmd
}

func newWaitCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait TYPE",
		Short: "Wait for one message of TYPE and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				msg, err := c.WaitForMessage(ctx, args[0], timeout)
				if err != nil {
					return err
				}
				if msg == nil {
					return noMessage(args[0], timeout)
				}
				(&lineWriter{w: a.stdout}).message(msg)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultWaitTimeout, "how long to wait")
	return cmd
}

func newRequestCmd(a *app) *cobra.Command {
	var (
		timeout   time.Duration
		replyType string
	)
	cmd := &cobra.Command{
		Use:   "request TYPE [PAYLOAD]",
		Short: "Send a message and print its response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args, 1)
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				reply, err := c.WaitForResponse(ctx, message.New(args[0], payload, nil), replyType, timeout)
				if err != nil {
					return err
				}
				if reply == nil {
					expected := replyType
					if expected == "" {
						expected = args[0] + message.ResponseSuffix
					}
					return noMessage(expected, timeout)
				}
				(&lineWriter{w: a.stdout}).message(reply)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultWaitTimeout, "how long to wait for the response")
	cmd.Flags().StringVar(&replyType, "reply-type", "", "response type (default TYPE.response)")
	return cmd
}

func newCollectCmd(a *app) *cobra.Command {
	opts := client.DefaultCollectOptions()
	cmd := &cobra.Command{
		Use:   "collect TYPE [PAYLOAD]",
		Short: "Send a query and print every handler's answer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args, 1)
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				responses, err := c.CollectResponses(ctx, message.New(args[0], payload, nil), opts)
				if err != nil {
					return err
				}
				out := &lineWriter{w: a.stdout}
				for _, r := range responses {
					out.message(r)
				}
				a.logger.Info("collection finished", "type", args[0], "responses", len(responses))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&opts.MinTimeout, "min-timeout", opts.MinTimeout, "time handlers get to announce themselves")
	cmd.Flags().DurationVar(&opts.MaxTimeout, "max-timeout", opts.MaxTimeout, "upper bound for the whole collection")
	return cmd
}

func noMessage(msgType string, timeout time.Duration) error {
	return errors.New(errors.CodeTimeout, "no message received", nil).
		WithContext("type", msgType).
		WithContext("timeout", timeout.String())
}
