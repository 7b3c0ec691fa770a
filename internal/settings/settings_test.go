package settings

import (
	"os"
	"testing"
	"time"
)

func TestParseRequiresURLOrServers(t *testing.T) {
	if _, err := Parse("port=11211"); err == nil {
		t.Fatal("expected error when neither url= nor servers= is given")
	}
}

func TestParseServersAndTunables(t *testing.T) {
	s, err := Parse("servers=a:11211,b:11211,downstream_conn_max=8,downstream_timeout=1500,cycle=200")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Servers != "a:11211,b:11211" {
		t.Fatalf("unexpected servers value %q", s.Servers)
	}
	if s.Behavior.DownstreamConnMax != 8 {
		t.Fatalf("expected downstream_conn_max 8, got %d", s.Behavior.DownstreamConnMax)
	}
	if s.Behavior.DownstreamTimeout != 1500*time.Millisecond {
		t.Fatalf("expected downstream_timeout 1500ms, got %v", s.Behavior.DownstreamTimeout)
	}
	if s.Behavior.Cycle != 200*time.Millisecond {
		t.Fatalf("expected cycle 200ms, got %v", s.Behavior.Cycle)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	if _, err := Parse("servers=a:11211,bogus=1"); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestParseReadsSASLEnvVars(t *testing.T) {
	os.Setenv(EnvSASLUser, "svc")
	os.Setenv(EnvSASLPass, "s3cret")
	defer os.Unsetenv(EnvSASLUser)
	defer os.Unsetenv(EnvSASLPass)

	s, err := Parse("servers=a:11211")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.SASLUser != "svc" || s.SASLPass != "s3cret" {
		t.Fatalf("expected SASL creds from env, got user=%q pass=%q", s.SASLUser, s.SASLPass)
	}
}

func TestParseURLAlone(t *testing.T) {
	s, err := Parse("url=http://config.example/pools/default")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.URL == "" {
		t.Fatal("expected URL to be set")
	}
}
