package config

import "testing"

func validConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

func TestConfig_Validate_Valid(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestConfig_Validate_RejectsBadTransport(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Transport = "websocket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported transport")
	}
}

func TestConfig_Validate_RejectsBadPort(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestConfig_Validate_RejectsBadDebugLevel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DebugLevel = 7
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for debug_level out of [0,3]")
	}
}

func TestConfig_Validate_RejectsUnparsableDuration(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Security.RequestTimeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unparsable request_timeout")
	}
}

func TestConfig_Validate_RejectsExtensionWithoutDot(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Database.Extension = "db"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for extension missing leading dot")
	}
}
