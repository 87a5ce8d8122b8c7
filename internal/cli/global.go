package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const tokenEnv = "INSPECTCTL_TOKEN"

type GlobalOptions struct {
	ServerUrl string
	Token     string
	Timeout   time.Duration
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ServerUrl: "http://localhost:8000",
		Token:     os.Getenv(tokenEnv),
		Timeout:   30 * time.Second,
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server")
	fs.StringVarP(&o.Token, "token", "t", o.Token, "Bearer token, defaults to $"+tokenEnv)
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Timeout of REST requests")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	o.ServerUrl = strings.TrimRight(o.ServerUrl, "/")
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	u, err := url.Parse(o.ServerUrl)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url must be http or https, got %q", o.ServerUrl)
	}
	if o.Token == "" {
		return fmt.Errorf("a token is required, pass --token or set $%s", tokenEnv)
	}
	return nil
}

func (o *GlobalOptions) HTTPClient() *http.Client {
	return &http.Client{Timeout: o.Timeout}
}

// WebSocketUrl is the event stream endpoint of the server.
func (o *GlobalOptions) WebSocketUrl() string {
	u, err := url.Parse(o.ServerUrl)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/inspections"
	return u.String()
}
