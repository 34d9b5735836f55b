package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/upstream"
	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

type tokenOptions struct {
	credential string
	fallback   bool
	verify     string
}

func newTokenCmd() *cobra.Command {
	var opts tokenOptions

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange a GitHub credential for a Copilot session token",
		Long: `Exchanges the credential from --credential or $GITHUB_TOKEN for a session
token and prints it redacted together with its expiry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup()
			if err != nil {
				return err
			}
			if opts.credential == "" {
				opts.credential = os.Getenv("GITHUB_TOKEN")
			}
			return runToken(cmd.Context(), c, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.credential, "credential", "", "GitHub credential (default $GITHUB_TOKEN)")
	cmd.Flags().BoolVar(&opts.fallback, "fallback", false, "Use the credential itself when the exchange fails")
	cmd.Flags().StringVar(&opts.verify, "verify", "", "Downstream API path to GET with the session token, e.g. /models")
	return cmd
}

func runToken(ctx context.Context, c *core, out io.Writer, opts tokenOptions) error {
	if opts.credential == "" {
		return errors.New("no credential: set GITHUB_TOKEN or pass --credential")
	}

	var (
		session *oauth.SessionToken
		err     error
	)
	if opts.fallback {
		session, err = c.cache.BestEffort(ctx, opts.credential)
	} else {
		session, err = c.cache.GetOrRefresh(ctx, opts.credential)
	}
	if err != nil {
		return &authFailedError{err: err}
	}

	fmt.Fprintf(out, "Session token: %s\n", session.Redacted())
	fmt.Fprintf(out, "Expires at:    %s\n", session.ExpiresAt.Local().Format(time.RFC1123))
	if session.SKU != "" {
		fmt.Fprintf(out, "SKU:           %s\n", session.SKU)
	}
	if session.Fallback {
		fmt.Fprintln(out, "Exchange failed, falling back to the credential itself")
	}

	if opts.verify == "" {
		return nil
	}
	status, err := verifyUpstream(ctx, c, opts.credential, opts.verify)
	if err != nil {
		return fmt.Errorf("verifying session token: %w", err)
	}
	fmt.Fprintf(out, "GET %s: %s\n", opts.verify, status)
	return nil
}

// verifyUpstream calls the downstream API with a client that attaches the
// cached session token to every request
func verifyUpstream(ctx context.Context, c *core, credential, path string) (string, error) {
	client := oauth2.NewClient(ctx, c.cache.TokenSource(ctx, credential))
	client.Timeout = c.cfg.HTTPTimeout

	target := strings.TrimRight(c.cfg.UpstreamURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	for k, v := range c.cfg.UpstreamHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set(upstream.MachineIDHeader, c.cache.MachineID(credential))

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Status, nil
}
