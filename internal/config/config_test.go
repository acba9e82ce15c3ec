package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AUTH_DISABLED", "true")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DocStore.Backend != "memory" || cfg.RoutingProvider != "straight" || cfg.LocationInterval != 50*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DOCSTORE", "mongo")
	t.Setenv("ROUTING_PROVIDER", "ors")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MONGO_URI", "ORS_API_KEY", "FIREBASE_PROJECT_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDotEnvFileIsLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("RIDE_TEST_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("RIDE_TEST_DOTENV_KEY", "")
	os.Unsetenv("RIDE_TEST_DOTENV_KEY")
	if err := loadDotEnv(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("RIDE_TEST_DOTENV_KEY"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
}
