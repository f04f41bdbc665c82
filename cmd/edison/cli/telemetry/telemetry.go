// Package telemetry ships opt-in usage events to PostHog. Only the command
// path and flag names travel; flag values never leave the machine, and
// every network budget is tight enough that a dead network cannot delay
// CLI exit.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvOptOut disables telemetry when set to any value, overriding config.
const EnvOptOut = "EDISON_TELEMETRY_OPTOUT"

// networkBudget caps each network touch. Telemetry never gets to block the
// command that triggered it.
const networkBudget = 100 * time.Millisecond

var (
	// PostHogAPIKey is replaced at build time for release binaries.
	PostHogAPIKey = "phc_edison_dev"
	// PostHogEndpoint is set at build time for production.
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Client records command executions.
type Client interface {
	TrackCommand(cmd *cobra.Command, inProject bool)
	Close()
}

// NewClient returns the PostHog-backed client when telemetry is enabled,
// the no-op client otherwise. EDISON_TELEMETRY_OPTOUT wins over config,
// and any setup failure degrades to no-op.
func NewClient(version string, enabled bool) Client {
	if !enabled || os.Getenv(EnvOptOut) != "" {
		return &NoOpClient{}
	}
	id, err := machineid.ProtectedID("edison")
	if err != nil {
		return &NoOpClient{}
	}
	ph, err := newPostHog(version)
	if err != nil {
		return &NoOpClient{}
	}
	return &PostHogClient{client: ph, machineID: id}
}

func newPostHog(version string) (posthog.Client, error) {
	dialer := &net.Dialer{Timeout: networkBudget}
	return posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    networkBudget,
		BatchUploadTimeout: 2 * networkBudget,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   networkBudget,
			ResponseHeaderTimeout: networkBudget,
		},
		Logger:       discardLogger{},
		DisableGeoIP: posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
}

// NoOpClient is the disabled implementation.
type NoOpClient struct{}

func (*NoOpClient) TrackCommand(_ *cobra.Command, _ bool) {}
func (*NoOpClient) Close()                                {}

// PostHogClient is the enabled implementation.
type PostHogClient struct {
	client    posthog.Client
	machineID string
	mu        sync.RWMutex
}

// TrackCommand enqueues one event for a visible command. Flag names are
// collected for usage statistics; flag values are not.
func (p *PostHogClient) TrackCommand(cmd *cobra.Command, inProject bool) {
	if cmd == nil || cmd.Hidden {
		return
	}
	p.mu.RLock()
	id, c := p.machineID, p.client
	p.mu.RUnlock()
	if c == nil {
		return
	}

	props := posthog.NewProperties().
		Set("command", cmd.CommandPath()).
		Set("inProject", inProject)
	if flags := visitedFlags(cmd); flags != "" {
		props.Set("flags", flags)
	}
	//nolint:errcheck // best-effort telemetry
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "edison_command_run",
		Properties: props,
	})
}

// Close flushes pending events within the shutdown budget.
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c != nil {
		_ = c.Close()
	}
}

// visitedFlags returns the names of flags set on the command line, comma
// joined, without their values.
func visitedFlags(cmd *cobra.Command) string {
	var names []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		names = append(names, f.Name)
	})
	return strings.Join(names, ",")
}

// discardLogger drops PostHog's own log output; timeouts are expected.
type discardLogger struct{}

func (discardLogger) Logf(string, ...interface{})   {}
func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Warnf(string, ...interface{})  {}
func (discardLogger) Errorf(string, ...interface{}) {}
