package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	catalytic "github.com/lzdev42/catalytic-sub000"
	"github.com/lzdev42/catalytic-sub000/pkg/client"
)

// command carries what the client subcommands share.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c *command) apiClient() (*client.Client, error) {
	url, tlsEnabled, err := c.resolveURL()
	if err != nil {
		return nil, err
	}
	cfg := client.Config{BaseURL: url, Timeout: c.flags.APITimeout, Insecure: c.flags.Insecure}
	if c.flags.CACert != "" || tlsEnabled && !c.flags.Insecure {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// resolveURL prefers --api-url, then the listen address in --config.
func (c *command) resolveURL() (string, bool, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, strings.HasPrefix(c.flags.APIUrl, "https://"), nil
	}
	if c.flags.ConfigPath == "" {
		return client.DefaultBaseURL, false, nil
	}
	cfg, err := catalytic.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return "", false, err
	}
	scheme := "http"
	tlsEnabled := cfg.Server.TLS != nil && cfg.Server.TLS.Enabled
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Listen, cfg.Server.BasePath), tlsEnabled, nil
}

func (c *command) run(cmd *cobra.Command, fn func(ctx context.Context, api *client.Client) (any, error)) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	v, err := fn(cmd.Context(), api)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return printJSON(c.out, v)
}

func createDevicesCommand(c *command) *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and drive catalog devices",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show the connection status of every device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
				return api.Devices(ctx)
			})
		},
	}

	byID := func(use, short string, fn func(ctx context.Context, api *client.Client, id string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <device-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
					return fn(ctx, api, args[0])
				})
			},
		}
	}

	devices.AddCommand(
		list,
		byID("status", "Show one device", func(ctx context.Context, api *client.Client, id string) (any, error) {
			return api.Device(ctx, id)
		}),
		byID("connect", "Open the device transport", func(ctx context.Context, api *client.Client, id string) (any, error) {
			return api.Connect(ctx, id)
		}),
		byID("disconnect", "Close the device transport", func(ctx context.Context, api *client.Client, id string) (any, error) {
			return api.Disconnect(ctx, id)
		}),
		byID("delete", "Disconnect and stop tracking a device no longer in the catalog", func(ctx context.Context, api *client.Client, id string) (any, error) {
			if err := api.Remove(ctx, id); err != nil {
				return nil, err
			}
			return map[string]string{"removed": id}, nil
		}),
	)
	return devices
}

// execOutput adds a text rendering of the device reply.
type execOutput struct {
	client.TaskResult
	Text string `json:"text,omitempty"`
}

func createExecCommand(c *command) *cobra.Command {
	ef := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run one device task and print its outcome",
		Long: `Run one device task through the bridge and wait for its outcome.

--data understands Go escapes (\n, \r, \x00). With --hex it is read as hex.

Examples:
  catalytic exec --address=COM3 --driver=serial --action=query --data='*IDN?\n'
  catalytic exec --address=10.0.0.7:5025 --driver=tcp --action=send --hex --data=0a0d
  catalytic exec --address=COM3 --driver=serial --action=FetchData`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := parsePayload(ef.Data, ef.Hex)
			if err != nil {
				return err
			}
			req := client.DeviceTaskRequest{
				Slot:      ef.Slot,
				Address:   ef.Address,
				Driver:    ef.Driver,
				Action:    ef.Action,
				Payload:   payload,
				TimeoutMs: ef.Timeout.Milliseconds(),
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
				res, err := api.Exec(ctx, req)
				if err != nil {
					return nil, err
				}
				return execOutput{TaskResult: res, Text: printable(res.Data)}, nil
			})
		},
	}
	f := cmd.Flags()
	f.Uint32Var(&ef.Slot, "slot", 0, "engine slot the task belongs to")
	f.StringVar(&ef.Address, "address", "", "device address (serial port or host:port)")
	f.StringVar(&ef.Driver, "driver", "", "communicator id or protocol")
	f.StringVar(&ef.Action, "action", "", "transport action (send, read, query, FetchData, ...)")
	f.StringVar(&ef.Data, "data", "", "payload")
	f.BoolVar(&ef.Hex, "hex", false, "decode --data as hex")
	f.DurationVar(&ef.Timeout, "timeout", 5*time.Second, "task timeout")
	mustRequire(cmd, "address", "driver", "action")
	return cmd
}

func createRunCommand(c *command) *cobra.Command {
	rf := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <task-name>",
		Short: "Run one host task and print its outcome",
		Long: `Run a named host processor.

Examples:
  catalytic run echo --params='{"hello":"bench"}'
  catalytic run delay --params='{"ms":250}' --timeout=2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if rf.Params != "" {
				if !json.Valid([]byte(rf.Params)) {
					return errors.New("--params must be valid JSON")
				}
				params = json.RawMessage(rf.Params)
			}
			req := client.HostTaskRequest{
				Slot:      rf.Slot,
				TaskName:  args[0],
				Params:    params,
				TimeoutMs: rf.Timeout.Milliseconds(),
			}
			return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
				return api.Run(ctx, req)
			})
		},
	}
	cmd.Flags().Uint32Var(&rf.Slot, "slot", 0, "engine slot the task belongs to")
	cmd.Flags().StringVar(&rf.Params, "params", "", "JSON parameters")
	cmd.Flags().DurationVar(&rf.Timeout, "timeout", 30*time.Second, "task timeout")
	return cmd
}

// bufferOutput adds a text rendering of buffered bytes.
type bufferOutput struct {
	client.Buffer
	Text string `json:"text,omitempty"`
}

func createReservoirCommand(c *command) *cobra.Command {
	res := &cobra.Command{
		Use:   "reservoir",
		Short: "Inspect unsolicited device data",
	}
	res.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List addresses holding data",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
					return api.Buffers(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "peek <address>",
			Short: "Show buffered data without draining it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
					b, err := api.Peek(ctx, args[0])
					if err != nil {
						return nil, err
					}
					return bufferOutput{Buffer: b, Text: printable(b.Data)}, nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear <address>",
			Short: "Discard buffered data of an address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
					if err := api.ClearBuffer(ctx, args[0]); err != nil {
						return nil, err
					}
					return map[string]string{"cleared": args[0]}, nil
				})
			},
		},
	)
	return res
}

func createDriversCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List registered communicators and processors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
				return api.Drivers(ctx)
			})
		},
	}
}

func createStatsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dispatcher queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, api *client.Client) (any, error) {
				return api.Stats(ctx)
			})
		},
	}
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(fmt.Sprintf("mark %s required: %v", n, err))
		}
	}
}

// parsePayload decodes --data. Plain text goes through Go unquoting so that
// line terminators can be typed on the command line.
func parsePayload(s string, isHex bool) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if isHex {
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("--data is not hex: %w", err)
		}
		return b, nil
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return nil, fmt.Errorf("--data escape: %w", err)
	}
	return []byte(u), nil
}
