package main

import (
	"context"
	"crypto/hmac"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/tether/internal/config"
	"github.com/vango-dev/tether/internal/errors"
	"github.com/vango-dev/tether/pkg/client"
	"github.com/vango-dev/tether/pkg/echo"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

type probeOptions struct {
	addr    string
	url     string
	id      int64
	version int32
	echo    bool
	key     string
	keyFile string
	timeout time.Duration
}

func probeCmd() *cobra.Command {
	opts := probeOptions{id: protocol.NoClientID}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open a session, drop the connection and recover it",
		Long: `Probe a running tetherd.

The probe asks for a new session, reconnects on a fresh connection and
resumes it. When the server runs the echo service, a data frame is
round-tripped on both connections to confirm the session followed.
With --key or --key-file the session's key check value is compared
against one derived locally from that key.

Examples:
  tetherd probe --addr localhost:2022
  tetherd probe --url ws://localhost:2022/_tether/ws
  tetherd probe --addr localhost:2022 --id 42
  tetherd probe --addr localhost:2022 --key-file /etc/tether/key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runProbe(ctx, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "localhost:2022", "TCP address of the server")
	cmd.Flags().StringVarP(&opts.url, "url", "u", "", "WebSocket URL of the server (overrides --addr)")
	cmd.Flags().Int64Var(&opts.id, "id", protocol.NoClientID, "Resume this session id instead of creating one")
	cmd.Flags().Int32Var(&opts.version, "protocol-version", protocol.CurrentVersion, "Protocol version to declare")
	cmd.Flags().BoolVar(&opts.echo, "echo", true, "Round-trip a data frame to verify the session")
	cmd.Flags().StringVar(&opts.key, "key", "", "Pre-shared key to verify against the session")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "File holding the pre-shared key to verify")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall probe timeout")

	return cmd
}

func (o probeOptions) dialer() client.DialFunc {
	if o.url != "" {
		return func(ctx context.Context) (transport.Conn, error) {
			return transport.DialWebSocket(ctx, o.url)
		}
	}
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.DialTCP(ctx, o.addr)
	}
}

func (o probeOptions) target() string {
	if o.url != "" {
		return o.url
	}
	return o.addr
}

// verifyKey resolves the key to check against, or nil when neither --key
// nor --key-file is set.
func (o probeOptions) verifyKey() ([]byte, error) {
	if o.key == "" && o.keyFile == "" {
		return nil, nil
	}
	return (&config.Config{Key: o.key, KeyFile: o.keyFile}).ResolveKey()
}

func runProbe(ctx context.Context, out io.Writer, opts probeOptions) error {
	key, err := opts.verifyKey()
	if err != nil {
		return err
	}
	dial := opts.dialer()
	c := client.New(markDial(dial), client.WithVersion(opts.version))
	defer c.Close()

	if opts.id == protocol.NoClientID {
		id, err := c.Connect(ctx)
		if err != nil {
			return connectError(opts, err)
		}
		fmt.Fprintf(out, "session %d created\n", id)
		if opts.echo {
			if err := echo.RoundTrip(ctx, c.Conn(), probePayload); err != nil {
				return errors.New("T141").WithDetail("echo on new session").Wrap(err)
			}
			fmt.Fprintln(out, "echo ok")
		}
		if err := c.Reconnect(ctx); err != nil {
			return errors.New("T140").WithDetail(opts.target()).Wrap(err)
		}
	} else {
		conn, err := dial(ctx)
		if err != nil {
			return errors.New("T140").WithDetail(opts.target()).Wrap(err)
		}
		defer conn.Close()
		if err := client.Resume(ctx, conn, opts.id); err != nil {
			return errors.New("T140").WithDetail(opts.target()).Wrap(err)
		}
		if opts.echo {
			if err := echo.RoundTrip(ctx, conn, probePayload); err != nil {
				return errors.New("T143").WithDetailf("session %d", opts.id).Wrap(err)
			}
			fmt.Fprintln(out, "echo ok")
		}
		fmt.Fprintf(out, "session %d resumed\n", opts.id)
		return checkKey(ctx, out, conn, opts.id, key)
	}

	fmt.Fprintf(out, "session %d resumed\n", c.ID())
	if opts.echo {
		if err := echo.RoundTrip(ctx, c.Conn(), probePayload); err != nil {
			return errors.New("T143").WithDetailf("session %d", c.ID()).Wrap(err)
		}
		fmt.Fprintln(out, "echo ok")
	}
	return checkKey(ctx, out, c.Conn(), c.ID(), key)
}

// checkKey asks the echo service for the session's key check value and
// compares it with the one derived from key. A nil key skips the check.
func checkKey(ctx context.Context, out io.Writer, conn transport.Conn, id int64, key []byte) error {
	if key == nil {
		return nil
	}
	got, err := echo.KeyCheck(ctx, conn)
	if err != nil {
		return errors.New("T144").WithDetailf("session %d", id).Wrap(err)
	}
	want, err := server.KeyCheck(key, id)
	if err != nil {
		return errors.New("T144").Wrap(err)
	}
	if !hmac.Equal(got, want) {
		return errors.New("T144").WithDetailf("session %d: key does not match", id)
	}
	fmt.Fprintln(out, "key ok")
	return nil
}

func connectError(opts probeOptions, err error) error {
	var ve *client.VersionError
	switch {
	case stderrors.As(err, &ve):
		return errors.New("T142").WithDetail(ve.Message).Wrap(err)
	case stderrors.Is(err, errDial):
		return errors.New("T140").WithDetail(opts.target()).Wrap(err)
	default:
		return errors.New("T141").Wrap(err)
	}
}

// errDial marks failures from the dialer so they can be told apart from
// handshake failures.
var errDial = stderrors.New("dial failed")

func markDial(dial client.DialFunc) client.DialFunc {
	return func(ctx context.Context) (transport.Conn, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errDial, err)
		}
		return conn, nil
	}
}

var probePayload = []byte("tether-probe")
