package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("tower")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Service.Name != "tower" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
	if got := cfg.ListenAddr(); got != "127.0.0.1:8700" {
		t.Fatalf("listen addr = %q", got)
	}
	if got := cfg.BasePath(); got != "/v0" {
		t.Fatalf("base path = %q", got)
	}
	if !cfg.AllowRelax() {
		t.Fatal("default should allow relaxing soft constraints")
	}
	for _, role := range []string{"admin", "judge", "viewer"} {
		if _, ok := cfg.Auth.Roles[role]; !ok {
			t.Fatalf("default roles missing %s", role)
		}
	}
	perms := cfg.RolePermissions("admin")
	found := false
	for _, p := range perms {
		if p == "keys.write" {
			found = true
		}
	}
	if !found {
		t.Fatalf("admin permissions missing keys.write: %v", perms)
	}
	if cfg.RolePermissions("nobody") != nil {
		t.Fatal("unknown role should have no permissions")
	}
	if cfg.Mission.TargetLeads == nil || *cfg.Mission.TargetLeads != 50 {
		t.Fatalf("default mission target_leads = %v", cfg.Mission.TargetLeads)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("tower")))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Service.Name != "tower" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
	if cfg.Auth.JWTSecretEnv != "TOWER_JWT_SECRET" {
		t.Fatalf("jwt_secret_env = %q", cfg.Auth.JWTSecretEnv)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing service name",
			yaml:    "service:\n  listen: 127.0.0.1:8700\n",
			wantErr: "service.name",
		},
		{
			name:    "base path without slash",
			yaml:    "service:\n  name: tower\n  base_path: v0\n",
			wantErr: "base_path",
		},
		{
			name:    "roles without admin",
			yaml:    "service:\n  name: tower\nauth:\n  roles:\n    viewer:\n      permissions: [verdicts.read]\n",
			wantErr: "must include admin",
		},
		{
			name:    "empty permission id",
			yaml:    "service:\n  name: tower\nauth:\n  roles:\n    admin:\n      permissions: [\"\"]\n",
			wantErr: "empty permission",
		},
		{
			name:    "negative max replans",
			yaml:    "service:\n  name: tower\njudge:\n  default_max_replans: -1\n",
			wantErr: "default_max_replans",
		},
		{
			name:    "webhook without url",
			yaml:    "service:\n  name: tower\nwebhooks:\n  - kinds: [verdict.recorded]\n",
			wantErr: "empty url",
		},
		{
			name:    "webhook with bad url",
			yaml:    "service:\n  name: tower\nwebhooks:\n  - url: \"://nope\"\n",
			wantErr: "webhook 0 url",
		},
		{
			name:    "webhook negative timeout",
			yaml:    "service:\n  name: tower\nwebhooks:\n  - url: http://127.0.0.1:9/hook\n    timeout_seconds: -2\n",
			wantErr: "timeout_seconds",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestWebhookParsing(t *testing.T) {
	yaml := `service:
  name: tower
webhooks:
  - url: http://127.0.0.1:9100/hooks/tower
    kinds: [verdict.recorded, run.stopped]
    secret: hunter2
    timeout_seconds: 3
  - url: http://127.0.0.1:9100/all
    enabled: false
`
	cfg, err := config.FromYAML([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("webhooks = %d", len(cfg.Webhooks))
	}
	wh := cfg.Webhooks[0]
	if wh.Secret != "hunter2" || wh.TimeoutSeconds != 3 {
		t.Fatalf("webhook 0 = %+v", wh)
	}
	if len(wh.Kinds) != 2 || wh.Kinds[1] != "run.stopped" {
		t.Fatalf("webhook 0 kinds = %v", wh.Kinds)
	}
	if cfg.Webhooks[1].Enabled == nil || *cfg.Webhooks[1].Enabled {
		t.Fatal("webhook 1 should be disabled")
	}
}

func TestJWTSecretEnvIndirection(t *testing.T) {
	var cfg config.Config
	cfg.Auth.JWTSecret = "inline"
	cfg.Auth.JWTSecretEnv = "TOWER_TEST_JWT_SECRET"

	t.Setenv("TOWER_TEST_JWT_SECRET", "from-env")
	if got := cfg.JWTSecretValue(); got != "from-env" {
		t.Fatalf("secret = %q, want env value", got)
	}

	t.Setenv("TOWER_TEST_JWT_SECRET", "")
	if got := cfg.JWTSecretValue(); got != "inline" {
		t.Fatalf("secret = %q, want inline fallback", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "tower config init") {
		t.Fatalf("load from empty workspace: %v", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatal("load optional should return nil without a file")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if filepath.Base(path) != "tower.yml" {
		t.Fatalf("config path = %q", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault("custom")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "custom" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
	opt, err := config.LoadOptional(dir)
	if err != nil || opt == nil {
		t.Fatalf("load optional: cfg=%v err=%v", opt, err)
	}
}
