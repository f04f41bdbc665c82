package telemetry

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestNewClientEnvOptOut(t *testing.T) {
	t.Setenv(EnvOptOut, "1")

	client := NewClient("1.0.0", true)

	if _, ok := client.(*NoOpClient); !ok {
		t.Errorf("%s=1 should return NoOpClient", EnvOptOut)
	}
}

func TestNewClientEnvOptOutAnyValue(t *testing.T) {
	t.Setenv(EnvOptOut, "yes")

	client := NewClient("1.0.0", true)

	if _, ok := client.(*NoOpClient); !ok {
		t.Errorf("%s with any value should return NoOpClient", EnvOptOut)
	}
}

func TestNewClientDisabledByConfig(t *testing.T) {
	t.Setenv(EnvOptOut, "")

	client := NewClient("1.0.0", false)

	if _, ok := client.(*NoOpClient); !ok {
		t.Error("enabled=false should return NoOpClient")
	}
}

func TestNoOpClientMethods(_ *testing.T) {
	client := &NoOpClient{}

	// Should not panic
	client.TrackCommand(nil, false)
	client.TrackCommand(&cobra.Command{Use: "test"}, true)
	client.Close()
}

func TestTrackCommandSkipsHidden(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	hidden := &cobra.Command{Use: "internal", Hidden: true}

	// Should not panic and should skip hidden commands
	client.TrackCommand(hidden, true)
}

func TestTrackCommandSkipsNil(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	client.TrackCommand(nil, false)
}

func TestTrackCommandNilInternalClient(t *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	cmd := &cobra.Command{Use: "session"}
	root := &cobra.Command{Use: "edison"}
	root.AddCommand(cmd)

	if cmd.CommandPath() != "edison session" {
		t.Errorf("CommandPath() = %q, want %q", cmd.CommandPath(), "edison session")
	}

	// Internal client is nil; must not panic
	client.TrackCommand(cmd, true)
}

func TestCloseNilInternalClient(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	client.Close()
}
