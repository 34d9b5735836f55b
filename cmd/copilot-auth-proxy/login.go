package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/wrale/copilot-auth-proxy/internal/deviceflow"
)

type loginOptions struct {
	scope     string
	qr        bool
	qrFile    string
	showToken bool
}

func newLoginCmd() *cobra.Command {
	var opts loginOptions
	var noQR bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the device flow from this terminal",
		Long: `Runs the OAuth 2.0 device flow: prints a user code and verification URL,
waits for you to approve the request in a browser and exchanges the resulting
access token for a Copilot session token. Press Ctrl-C to cancel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup()
			if err != nil {
				return err
			}
			opts.qr = !noQR

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLogin(ctx, c, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.scope, "scope", "", "OAuth scope to request (default GITHUB_SCOPE)")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Do not print a QR code of the verification URL")
	cmd.Flags().StringVar(&opts.qrFile, "qr-png", "", "Also write the QR code as a PNG to this path")
	cmd.Flags().BoolVar(&opts.showToken, "show-token", false, "Print the OAuth access token for later use as GITHUB_TOKEN")
	return cmd
}

// terminal renders progress events for a person at a terminal
type terminal struct {
	out     io.Writer
	opts    loginOptions
	spinner *spinner.Spinner
	errs    []error
}

func newTerminal(out io.Writer, opts loginOptions) *terminal {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	return &terminal{out: out, opts: opts, spinner: s}
}

func (t *terminal) progress(ev deviceflow.ProgressEvent) {
	switch ev.Status {
	case deviceflow.StatusRequestingDeviceCode:
		fmt.Fprintln(t.out, "Requesting device code...")

	case deviceflow.StatusAwaitingAuthorization:
		fmt.Fprintf(t.out, "\nOpen %s and enter the code:\n\n    %s\n\n",
			ev.VerificationURI, ev.UserCode)

		target := ev.VerificationURIComplete
		if target == "" {
			target = ev.VerificationURI
		}
		t.renderQR(target)

		t.spinner.Suffix = " Waiting for authorization"
		if ev.ExpiresAt != nil {
			t.spinner.Suffix += fmt.Sprintf(" (code expires at %s)", ev.ExpiresAt.Local().Format(time.Kitchen))
		}
		t.spinner.Start()

	case deviceflow.StatusTokenObtained:
		t.spinner.Lock()
		t.spinner.Suffix = " Exchanging token"
		t.spinner.Unlock()

	case deviceflow.StatusComplete, deviceflow.StatusError:
		t.spinner.Stop()
	}
}

func (t *terminal) renderQR(content string) {
	if !t.opts.qr && t.opts.qrFile == "" {
		return
	}
	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		t.errs = append(t.errs, fmt.Errorf("encoding QR code: %w", err))
		return
	}
	if t.opts.qr {
		fmt.Fprintln(t.out, code.ToSmallString(false))
	}
	if t.opts.qrFile != "" {
		if err := code.WriteFile(256, t.opts.qrFile); err != nil {
			t.errs = append(t.errs, fmt.Errorf("writing QR code: %w", err))
			return
		}
		fmt.Fprintf(t.out, "QR code written to %s\n\n", t.opts.qrFile)
	}
}

// runLogin runs one device flow and reports the outcome on out
func runLogin(ctx context.Context, c *core, out io.Writer, opts loginOptions) error {
	term := newTerminal(out, opts)
	result := c.flow.Run(ctx, c.flowRequest(opts.scope), term.progress)
	for _, err := range term.errs {
		c.logger.Warn("login output", "error", err)
	}

	if !result.Success {
		fmt.Fprintf(out, "Login failed: %s\n", result.Message)
		err := result.Err
		if err == nil {
			err = errors.New(result.Message)
		}
		return &authFailedError{err: err}
	}

	fmt.Fprintf(out, "Logged in. Session token %s valid until %s\n",
		result.Session.Redacted(), result.ExpiresAt.Local().Format(time.RFC1123))
	if opts.showToken {
		fmt.Fprintf(out, "Access token: %s\n", result.AccessToken)
	}
	return nil
}
