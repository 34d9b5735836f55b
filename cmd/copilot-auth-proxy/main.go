package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/wrale/copilot-auth-proxy/internal/deviceflow"
	"github.com/wrale/copilot-auth-proxy/internal/oauth"
	"github.com/wrale/copilot-auth-proxy/internal/tokencache"
)

// Version is set by the build process
var Version = "dev"

// Exit codes for CLI commands
const (
	ExitCodeError      = 1
	ExitCodeAuthFailed = 3
)

// authFailedError marks a device flow or exchange that did not produce a token
type authFailedError struct {
	err error
}

func (e *authFailedError) Error() string { return e.err.Error() }
func (e *authFailedError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var authErr *authFailedError
		if errors.As(err, &authErr) {
			os.Exit(ExitCodeAuthFailed)
		}
		os.Exit(ExitCodeError)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "copilot-auth-proxy",
		Short: "Authenticate with the OAuth device flow and serve Copilot session tokens",
		Long: `copilot-auth-proxy signs in to GitHub with the OAuth 2.0 device flow,
exchanges the resulting access token for a Copilot session token and keeps
session tokens cached per credential for HTTP callers.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "copilot-auth-proxy version %s\n" .Version}}`)

	root.AddCommand(newServeCmd(), newLoginCmd(), newTokenCmd())
	return root
}

// core holds the components shared by every command
type core struct {
	cfg       Config
	logger    *log.Logger
	exchanger *oauth.Exchanger
	cache     *tokencache.Cache
	client    *deviceflow.Client
	flow      *deviceflow.Flow
}

func newLogger(cfg Config) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           cfg.level(),
	})
}

// newCore wires the exchanger, the token cache and the device flow
func newCore(cfg Config, logger *log.Logger) (*core, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	exchanger, err := oauth.NewExchanger(oauth.ExchangerConfig{
		URL:        cfg.ExchangeURL,
		HTTPClient: httpClient,
		Headers:    cfg.ExchangeHeaders,
		Logger:     logger.WithPrefix("exchange"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating exchanger: %w", err)
	}

	cache := tokencache.New(exchanger,
		tokencache.WithBuffer(cfg.RefreshBuffer),
		tokencache.WithPrefixes(cfg.CredentialPrefixes),
		tokencache.WithLogger(logger.WithPrefix("cache")),
	)

	client := deviceflow.NewClient(
		deviceflow.WithHTTPClient(httpClient),
		deviceflow.WithLogger(logger.WithPrefix("deviceflow")),
		deviceflow.WithMaxAttempts(cfg.MaxPollAttempts),
		deviceflow.WithDefaultInterval(cfg.PollInterval),
	)

	return &core{
		cfg:       cfg,
		logger:    logger,
		exchanger: exchanger,
		cache:     cache,
		client:    client,
		flow:      deviceflow.NewFlow(client, cache),
	}, nil
}

// flowRequest builds a device flow request from configuration
func (c *core) flowRequest(scope string) deviceflow.Request {
	if scope == "" {
		scope = c.cfg.Scope
	}
	return deviceflow.Request{
		ClientID:      c.cfg.ClientID,
		Scope:         scope,
		DeviceCodeURL: c.cfg.DeviceCodeURL,
		TokenURL:      c.cfg.TokenURL,
	}
}

// setup loads configuration and builds the shared components
func setup() (*core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newCore(cfg, newLogger(cfg))
}
