package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("VISION_BASE_URL", "")
	os.Setenv("TARGET_LANGUAGE", "")
	os.Setenv("TTS_PROVIDER", "")
	os.Setenv("ICE_SERVERS_JSON", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.VisionBaseURL != "http://localhost:8000" {
		t.Fatalf("expected default vision base url, got %q", cfg.VisionBaseURL)
	}
	if cfg.TargetLanguage != "ko" {
		t.Fatalf("expected default language, got %q", cfg.TargetLanguage)
	}
	if cfg.TTSProvider != "deepgram" {
		t.Fatalf("expected default tts provider, got %q", cfg.TTSProvider)
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", ":9090")
	os.Setenv("VISION_BASE_URL", "http://vision:8000")
	os.Setenv("TARGET_LANGUAGE", "en")
	defer func() {
		os.Unsetenv("HTTP_ADDRESS")
		os.Unsetenv("VISION_BASE_URL")
		os.Unsetenv("TARGET_LANGUAGE")
	}()
	cfg := Load()
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("expected override address, got %q", cfg.HTTPAddress)
	}
	if cfg.VisionBaseURL != "http://vision:8000" {
		t.Fatalf("expected override vision url, got %q", cfg.VisionBaseURL)
	}
	if cfg.TargetLanguage != "en" {
		t.Fatalf("expected override language, got %q", cfg.TargetLanguage)
	}
}
