package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"

	"github.com/carbontrack/docpipeline/internal/client"
)

type GlobalOptions struct {
	ConfigFilePath string
	ServerUrl      string
	Timeout        time.Duration
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: client.DefaultConfigPath(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFilePath, "config", "c", o.ConfigFilePath, "Path of the client config file")
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server, overrides the config file")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Request timeout, overrides the config file")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.ServerUrl != "" && !strings.HasPrefix(o.ServerUrl, "http://") && !strings.HasPrefix(o.ServerUrl, "https://") {
		return fmt.Errorf("server url %q must start with http:// or https://", o.ServerUrl)
	}
	return nil
}

func (o *GlobalOptions) Client() (*client.Client, error) {
	cfg, err := client.ParseConfigFile(o.ConfigFilePath)
	if err != nil {
		return nil, err
	}
	if o.ServerUrl != "" {
		cfg.Service.Server = o.ServerUrl
	}
	if o.Timeout > 0 {
		cfg.Service.Timeout = o.Timeout.String()
	}
	return client.NewFromConfig(cfg), nil
}

// OutputOptions adds the -o flag to commands printing resources.
type OutputOptions struct {
	Output string
}

func (o *OutputOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *OutputOptions) Validate() error {
	if len(o.Output) > 0 && !funk.ContainsString(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}
