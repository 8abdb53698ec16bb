package commands

import "testing"

func TestParseRunArgs_TypedFlags(t *testing.T) {
	flags, configPath, verbose, err := parseRunArgs([]string{
		"--pipeline", "demo.yaml",
		"--run-dir", "runs/123",
		"--stage", "intro",
		"--from-stage", "a",
		"--stop-after", "b",
		"--config", "custom.yml",
		"--verbose",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.PipelinePath != "demo.yaml" || flags.RunDirPath != "runs/123" {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if flags.Stage != "intro" || flags.FromStage != "a" || flags.StopAfter != "b" {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if configPath != "custom.yml" {
		t.Fatalf("expected configPath custom.yml, got %q", configPath)
	}
	if !verbose {
		t.Fatalf("expected verbose to be true")
	}
}

func TestParseRunArgs_UnknownFlagsBecomeParams(t *testing.T) {
	flags, _, _, err := parseRunArgs([]string{
		"--pipeline", "demo.yaml",
		"--topic", "space exploration",
		"--count", "3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.Params["topic"] != "space exploration" {
		t.Fatalf("expected topic param, got %+v", flags.Params)
	}
	if flags.Params["count"] != "3" {
		t.Fatalf("expected count param, got %+v", flags.Params)
	}
}

func TestParseRunArgs_DanglingFlagFails(t *testing.T) {
	_, _, _, err := parseRunArgs([]string{"--pipeline"})
	if err == nil {
		t.Fatalf("expected error for dangling flag")
	}
}

func TestParseRunArgs_PositionalArgumentFails(t *testing.T) {
	_, _, _, err := parseRunArgs([]string{"demo.yaml"})
	if err == nil {
		t.Fatalf("expected error for positional argument")
	}
}
