package cmd

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/inercia/chatemu/internal/config"
)

func newServeTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "serve"}
	addServeFlags(c)
	if err := c.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v) failed: %v", args, err)
	}
	return c
}

func TestApplyServeFlags(t *testing.T) {
	base := config.Default()
	base.Server.Port = 9100
	base.Bots = []config.BotConfig{{ID: "local", Endpoint: "http://localhost:3978/api/messages"}}

	tests := []struct {
		name      string
		args      []string
		wantPort  int
		wantBots  []string
		wantError bool
	}{
		{
			name:     "file values kept without flags",
			wantPort: 9100,
			wantBots: []string{"local"},
		},
		{
			name:     "port flag overrides file",
			args:     []string{"--port", "0"},
			wantPort: 0,
			wantBots: []string{"local"},
		},
		{
			name:     "bot flag becomes default",
			args:     []string{"--bot", "http://localhost:4000/api/messages", "--app-id", "app", "--app-password", "pw"},
			wantPort: 9100,
			wantBots: []string{"cli", "local"},
		},
		{
			name:      "credentials without bot",
			args:      []string{"--app-id", "app"},
			wantError: true,
		},
		{
			name:      "invalid port",
			args:      []string{"--port", "70000"},
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServeTestCmd(t, tt.args...)
			got, err := applyServeFlags(c, base)
			if (err != nil) != tt.wantError {
				t.Fatalf("err = %v, wantError %v", err, tt.wantError)
			}
			if err != nil {
				return
			}
			if got.Server.Port != tt.wantPort {
				t.Errorf("port = %d, want %d", got.Server.Port, tt.wantPort)
			}
			var ids []string
			for _, b := range got.Bots {
				ids = append(ids, b.ID)
			}
			if len(ids) != len(tt.wantBots) {
				t.Fatalf("bots = %v, want %v", ids, tt.wantBots)
			}
			for i := range ids {
				if ids[i] != tt.wantBots[i] {
					t.Errorf("bots = %v, want %v", ids, tt.wantBots)
				}
			}
		})
	}

	if len(base.Bots) != 1 || base.Server.Port != 9100 {
		t.Error("applyServeFlags modified its input")
	}
}

func TestApplyServeFlags_Tunnel(t *testing.T) {
	c := newServeTestCmd(t, "--tunnel", "ngrok http ${PORT}")
	got, err := applyServeFlags(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Tunnel.Enabled || got.Tunnel.Command != "ngrok http ${PORT}" {
		t.Errorf("tunnel = %+v", got.Tunnel)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" server, ,oauth,")
	if len(got) != 2 || got[0] != "server" || got[1] != "oauth" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}
