package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type innerPool struct {
	Workers    int `koanf:"workers"`
	BufferSize int `koanf:"buffer_size"`
}

type nestedConfig struct {
	BufferSize     int           `koanf:"buffer_size"`
	RouterPool     innerPool     `koanf:"router_pool"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`
	Brokers        []string      `koanf:"brokers"`
	Enabled        bool          `koanf:"enabled"`
	Untagged       string
	Handler        func()
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("env overrides defaults", func(t *testing.T) {
		t.Setenv("TEST_BUFFER_SIZE", "64")
		t.Setenv("TEST_ROUTER_POOL__WORKERS", "4")
		t.Setenv("TEST_PROCESS_TIMEOUT", "5s")
		t.Setenv("TEST_BROKERS", "a:9092,b:9092")

		cfg := nestedConfig{BufferSize: 1, RouterPool: innerPool{BufferSize: 10}}
		if err := (Loader{Prefix: "TEST"}).Load(&cfg); err != nil {
			t.Fatalf("load: %v", err)
		}

		if cfg.BufferSize != 64 {
			t.Errorf("buffer size: got %d", cfg.BufferSize)
		}
		if cfg.RouterPool.Workers != 4 {
			t.Errorf("workers: got %d", cfg.RouterPool.Workers)
		}
		if cfg.RouterPool.BufferSize != 10 {
			t.Errorf("untouched default changed: got %d", cfg.RouterPool.BufferSize)
		}
		if cfg.ProcessTimeout != 5*time.Second {
			t.Errorf("timeout: got %v", cfg.ProcessTimeout)
		}
		if want := []string{"a:9092", "b:9092"}; !reflect.DeepEqual(cfg.Brokers, want) {
			t.Errorf("brokers: got %v, want %v", cfg.Brokers, want)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := writeFile(t, `
buffer_size: 32
enabled: true
router_pool:
  workers: 2
brokers:
  - kafka:9092
`)
		t.Setenv("TEST_ROUTER_POOL__WORKERS", "8")

		var cfg nestedConfig
		if err := (Loader{Prefix: "TEST", Files: []string{path}}).Load(&cfg); err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.BufferSize != 32 || !cfg.Enabled {
			t.Errorf("file values not applied: %+v", cfg)
		}
		if cfg.RouterPool.Workers != 8 {
			t.Errorf("workers: got %d, want env value 8", cfg.RouterPool.Workers)
		}
		if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "kafka:9092" {
			t.Errorf("brokers: got %v", cfg.Brokers)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		t.Setenv("TEST_PROCESS_TIMEOUT", "soon")
		var cfg nestedConfig
		if err := (Loader{Prefix: "TEST"}).Load(&cfg); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		var cfg nestedConfig
		err := (Loader{Files: []string{filepath.Join(t.TempDir(), "missing.yaml")}}).Load(&cfg)
		if err == nil {
			t.Error("expected error")
		}
	})

	t.Run("non-pointer", func(t *testing.T) {
		if err := Load(nestedConfig{}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestKeys(t *testing.T) {
	got := Loader{Prefix: "test"}.Keys(nestedConfig{})
	want := []string{
		"TEST_BUFFER_SIZE",
		"TEST_ROUTER_POOL__WORKERS",
		"TEST_ROUTER_POOL__BUFFER_SIZE",
		"TEST_PROCESS_TIMEOUT",
		"TEST_BROKERS",
		"TEST_ENABLED",
		"TEST_UNTAGGED",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}

	if keys := Keys(&App{}); !contains(keys, "GOSTREAM_CONSUMER__MAX_TRIES") || !contains(keys, "GOSTREAM_LOG__LEVEL") {
		t.Errorf("unexpected app keys %v", keys)
	}
	if keys := Keys("not a struct"); keys != nil {
		t.Errorf("expected nil, got %v", keys)
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func TestToSnake(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"BufferSize", "buffer_size"},
		{"URLPath", "url_path"},
		{"HTTPClient", "http_client"},
		{"Workers", "workers"},
		{"MaxTries2", "max_tries2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := toSnake(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadApp(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		app, err := Loader{Prefix: "GOSTREAM_TEST"}.LoadApp()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if app.Broker != BrokerRabbitMQ || app.Consumer.MaxTries != 3 {
			t.Errorf("unexpected defaults %+v", app)
		}
	})

	t.Run("env selects broker", func(t *testing.T) {
		t.Setenv("GOSTREAM_TEST_BROKER", "kafka")
		t.Setenv("GOSTREAM_TEST_KAFKA__TOPICS", "orders,payments")
		t.Setenv("GOSTREAM_TEST_CONSUMER__HANDLE_TIMEOUT", "2s")

		app, err := Loader{Prefix: "GOSTREAM_TEST"}.LoadApp()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if app.Broker != BrokerKafka || len(app.Kafka.Topics) != 2 || app.Consumer.HandleTimeout != 2*time.Second {
			t.Errorf("unexpected config %+v", app)
		}
		if app.Kafka.GroupID != "gostream" {
			t.Errorf("default lost: %q", app.Kafka.GroupID)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr string
	}{
		{"valid", func(*App) {}, ""},
		{"unknown broker", func(a *App) { a.Broker = "mqtt" }, `unknown broker "mqtt"`},
		{"missing kafka topics", func(a *App) { a.Broker = BrokerSarama; a.Kafka.Topics = nil }, "kafka.topics required"},
		{"bad retry", func(a *App) { a.Consumer.Retry = "sometimes" }, "unknown retry mode"},
		{"bad store", func(a *App) { a.Consumer.RetryStore = "etcd" }, "unknown retry store"},
		{"negative tries", func(a *App) { a.Consumer.MaxTries = -1 }, "max_tries"},
		{"bad level", func(a *App) { a.Log.Level = "loud" }, "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := Default()
			tt.mutate(&app)
			err := app.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConsumerRetryConfig(t *testing.T) {
	rc, err := Consumer{Retry: "counter", MaxTries: 5, RetryCapacity: 100}.RetryConfig(nil)
	if err != nil {
		t.Fatalf("retry config: %v", err)
	}
	if rc.Mode.String() != "counter" || rc.MaxTries != 5 || rc.Capacity != 100 {
		t.Errorf("unexpected %+v", rc)
	}
}
