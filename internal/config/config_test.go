package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_MissingListenAddr(t *testing.T) {
	cfg := Defaults()
	cfg.WhatsApp.ListenAddr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty listenAddr")
	}
}

func TestValidate_EmptyBackoff(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.RetryBackoffMinutes = nil
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty retry backoff")
	}
}

func TestValidate_SocialNeedsToken(t *testing.T) {
	cfg := Defaults()
	cfg.Social.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for social without token")
	}
}

func TestValidate_ExtendedDelayBelowBase(t *testing.T) {
	cfg := Defaults()
	cfg.Buffer.BaseDelaySeconds = 8
	cfg.Buffer.ExtendedDelaySeconds = 3
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for extended < base")
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Defaults()
	cfg.WhatsApp.GroupChatID = "12036300000000000"
	cfg.Extractor.APIKey = "sk-test"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.WhatsApp.GroupChatID != "12036300000000000" {
		t.Errorf("groupChatId = %q", got.WhatsApp.GroupChatID)
	}
	if got.Extractor.APIKey != "sk-test" {
		t.Errorf("apiKey = %q", got.Extractor.APIKey)
	}
	if got.Queue.RetryBackoffMinutes[0] != 5 {
		t.Errorf("backoff = %v", got.Queue.RetryBackoffMinutes)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("BACOLLAB_TEST_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Defaults()
	cfg.WhatsApp.AccessToken = "${BACOLLAB_TEST_TOKEN}"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.WhatsApp.AccessToken != "secret-token" {
		t.Errorf("accessToken = %q", got.WhatsApp.AccessToken)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("BACOLLAB_UNSET_VAR")
	got := ExpandEnvVars("x=${BACOLLAB_UNSET_VAR:-fallback}")
	if got != "x=fallback" {
		t.Fatalf("got %q", got)
	}
	got = ExpandEnvVars("x=${BACOLLAB_UNSET_VAR}")
	if got != "x=${BACOLLAB_UNSET_VAR}" {
		t.Fatalf("unset without default should stay verbatim, got %q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
