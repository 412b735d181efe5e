package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:9200" {
		t.Errorf("Listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Kubectl.Binary != "kubectl" || cfg.Kubectl.DefaultShell != "/bin/bash" {
		t.Errorf("Kubectl = %+v", cfg.Kubectl)
	}
	if cfg.Terminal.Cols != 80 || cfg.Terminal.Rows != 30 {
		t.Errorf("Terminal = %+v", cfg.Terminal)
	}
	if !cfg.Kubectl.ValidateKubeconfig {
		t.Error("kubeconfig validation should default on")
	}
	if cfg.Gateway.WriteTimeout.Duration != 10*time.Second {
		t.Errorf("WriteTimeout = %v", cfg.Gateway.WriteTimeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[gateway]
listen = "0.0.0.0:9300"
socket = "/run/kubeintel.sock"
require_token = true
allowed_origins = ["dashboard.example.com"]
write_timeout = "2s"

[kubectl]
binary = "/usr/local/bin/kubectl"
default_shell = "/bin/sh"
validate_kubeconfig = false
kill_grace = "500ms"

[terminal]
cols = 120
rows = 40
`)
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Listen != "0.0.0.0:9300" || cfg.Gateway.Socket == nil || *cfg.Gateway.Socket != "/run/kubeintel.sock" {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if !cfg.Gateway.RequireToken || len(cfg.Gateway.AllowedOrigins) != 1 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.WriteTimeout.Duration != 2*time.Second {
		t.Errorf("WriteTimeout = %v", cfg.Gateway.WriteTimeout)
	}
	if cfg.Kubectl.Binary != "/usr/local/bin/kubectl" || cfg.Kubectl.DefaultShell != "/bin/sh" || cfg.Kubectl.ValidateKubeconfig {
		t.Errorf("Kubectl = %+v", cfg.Kubectl)
	}
	if cfg.Kubectl.KillGrace.Duration != 500*time.Millisecond {
		t.Errorf("KillGrace = %v", cfg.Kubectl.KillGrace)
	}
	if cfg.Terminal.Cols != 120 || cfg.Terminal.Rows != 40 {
		t.Errorf("Terminal = %+v", cfg.Terminal)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Terminal.Term != "xterm-color" || cfg.Gateway.ReadLimit != 1<<20 {
		t.Errorf("defaults lost: %+v %+v", cfg.Terminal, cfg.Gateway)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[gateway]
listen = "127.0.0.1:1"
`)
	t.Setenv("KUBEINTEL_LISTEN", "127.0.0.1:2")
	t.Setenv("KUBEINTEL_KUBECTL", "/opt/kubectl")
	t.Setenv("KUBEINTEL_REQUIRE_TOKEN", "true")
	t.Setenv("KUBEINTEL_ALLOWED_ORIGINS", "a.example.com, b.example.com,")
	t.Setenv("KUBEINTEL_SOCKET", "/tmp/kubeintel.sock")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:2" {
		t.Errorf("Listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Kubectl.Binary != "/opt/kubectl" {
		t.Errorf("Binary = %q", cfg.Kubectl.Binary)
	}
	if !cfg.Gateway.RequireToken {
		t.Error("RequireToken not applied")
	}
	if strings.Join(cfg.Gateway.AllowedOrigins, "|") != "a.example.com|b.example.com" {
		t.Errorf("AllowedOrigins = %q", cfg.Gateway.AllowedOrigins)
	}
	if cfg.Gateway.Socket == nil || *cfg.Gateway.Socket != "/tmp/kubeintel.sock" {
		t.Errorf("Socket = %v", cfg.Gateway.Socket)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad toml":      "[gateway\nlisten=",
		"bad duration":  "[gateway]\nwrite_timeout = \"soon\"",
		"zero cols":     "[terminal]\ncols = 0",
		"no listeners":  "[gateway]\nlisten = \"\"",
		"empty binary":  "[kubectl]\nbinary = \"\"",
		"negative read": "[gateway]\nread_limit = -1",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, body)
			if _, err := LoadConfig(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadConfigRejectsBadBoolEnv(t *testing.T) {
	t.Setenv("KUBEINTEL_REQUIRE_TOKEN", "sometimes")
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDataDir(t *testing.T) {
	t.Setenv("KUBEINTEL_DIR", "/srv/kubeintel")
	if got := DataDir(); got != "/srv/kubeintel" {
		t.Errorf("DataDir = %q", got)
	}
	t.Setenv("KUBEINTEL_DIR", "")
	t.Setenv("HOME", "/home/op")
	if got := DataDir(); got != "/home/op/.kubeintel" {
		t.Errorf("DataDir = %q", got)
	}
}
