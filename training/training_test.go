package training

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func TestMergeConfig(t *testing.T) {
	stored := `{"network_dim": 64, "max_train_epochs": 20}`

	raw, err := MergeConfig(stored, map[string]interface{}{
		KeyImagesURL:  "https://maxres.s3.amazonaws.com/u/t/images/zip/output.zip",
		KeyOutputName: "",
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if cfg["network_dim"].(float64) != 64 {
		t.Errorf("stored value should override default, got %v", cfg["network_dim"])
	}
	if cfg["optimizer_type"] != "AdamW8bit" {
		t.Errorf("default missing, got %v", cfg["optimizer_type"])
	}
	if cfg[KeyImagesURL] != "https://maxres.s3.amazonaws.com/u/t/images/zip/output.zip" {
		t.Errorf("override missing, got %v", cfg[KeyImagesURL])
	}
	if _, ok := cfg[KeyOutputName]; ok {
		t.Error("empty overrides must be skipped")
	}
}

func TestSetConfigValue(t *testing.T) {
	out, err := SetConfigValue(`{"a": 1}`, KeyImagesURL, "s3://x")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	var cfg map[string]interface{}
	_ = json.Unmarshal([]byte(out), &cfg)
	if cfg["a"].(float64) != 1 || cfg[KeyImagesURL] != "s3://x" {
		t.Fatalf("unexpected config %v", cfg)
	}

	if _, err := SetConfigValue(`{not valid`, "k", "v"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLaunchScript(t *testing.T) {
	script, err := LaunchScript(LaunchParams{
		RunID:        "run-1",
		TrainerImage: "ghcr.io/acme/lora-trainer:1.4",
		TrainerPort:  7860,
		TrainerToken: "secret",
		WebhookURL:   "https://app.example.com/runs/run-1/webhook",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"#!/bin/bash",
		"-p 7860:7860",
		`-e WEBHOOK_URL="https://app.example.com/runs/run-1/webhook"`,
		"TRAINING_RUN_ID=run-1",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}

	if _, err := LaunchScript(LaunchParams{}); err == nil {
		t.Fatal("expected error without image")
	}
}

func trainerServer(t *testing.T, handler http.HandlerFunc) (*TrainerClient, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return NewTrainerClient(srv.Client(), port, "tok"), u.Hostname()
}

func TestTrainerSessionLifecycle(t *testing.T) {
	var gotConfig map[string]interface{}
	client, host := trainerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/training/":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotConfig)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/training/sess-1/start/":
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet && r.URL.Path == "/training/":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	if !client.Ready(ctx, host) {
		t.Fatal("expected trainer to be ready")
	}

	id, err := client.CreateSession(ctx, host, []byte(`{"network_dim":32}`))
	if err != nil || id != "sess-1" {
		t.Fatalf("create session: %q %v", id, err)
	}
	if gotConfig["network_dim"].(float64) != 32 {
		t.Fatalf("config not forwarded: %v", gotConfig)
	}

	if err := client.StartSession(ctx, host, id); err != nil {
		t.Fatalf("already started session should not fail: %v", err)
	}
}

func TestTrainerErrors(t *testing.T) {
	client, host := trainerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("disk full"))
	})
	ctx := context.Background()

	if client.Ready(ctx, host) {
		t.Fatal("trainer should not be ready")
	}
	err := client.DownloadCheckpoint(ctx, host, "https://x/model.safetensors", "https://app/runs/r/webhook")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected error with body, got %v", err)
	}
	if _, err := client.CreateSession(ctx, host, []byte(`{}`)); err == nil {
		t.Fatal("expected create error")
	}
}
