package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/opmerge/internal/config"
	"github.com/JonMunkholm/opmerge/internal/core"
)

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	root := t.TempDir()
	base := map[string]string{
		"INGEST_WORK_DIR":    filepath.Join(root, "work"),
		"INGEST_MASTER_PATH": filepath.Join(root, "input.csv"),
		"CONVERTER_PATH":     filepath.Join(root, "missing-converter"),
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.LoadFrom(func(k string) string { return base[k] })
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	return cfg
}

func TestBuild_WithoutReferenceTable(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"PREFIX_TABLE_PATH": filepath.Join(t.TempDir(), "absent.csv"),
	})

	p, err := Build(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Close()

	if p.Table != nil {
		t.Error("absent table file should leave Table nil")
	}
	if p.Metrics != nil || p.Loader != nil {
		t.Error("optional parts should be off")
	}
	deps := p.WebDeps()
	if deps.Loader != nil {
		t.Error("WebDeps().Loader should be a nil interface")
	}
	if deps.ConverterCheck() == nil {
		t.Error("converter check should report the missing binary")
	}
}

func TestBuild_LoadsReferenceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MAJNUM.csv")
	// Latin-1 encoded "Mnémo".
	data := []byte("EZABPQM;Mn\xe9mo;Territoire\n612;Orange;Metropole\n7000;SFR;Metropole\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, map[string]string{
		"PREFIX_TABLE_PATH": path,
		"MATCH_POLICY":      "narrow",
	})

	p, err := Build(context.Background(), cfg, Options{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Close()

	if p.Table == nil || p.Table.Len() != 2 {
		t.Fatalf("table = %+v", p.Table)
	}
	if p.Table.Policy() != core.PolicyNarrowUnion {
		t.Errorf("policy = %q", p.Table.Policy())
	}
	if p.Metrics == nil || p.WebDeps().Metrics == nil {
		t.Error("metrics should be wired with a registry")
	}
	if got := p.TableOptions(); got.Encoding != "latin1" || got.Policy != core.PolicyNarrowUnion {
		t.Errorf("TableOptions() = %+v", got)
	}
}

func TestBuild_BadReferenceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("a;b\n1;2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, map[string]string{"PREFIX_TABLE_PATH": path})

	if _, err := Build(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("Build() should fail on a table without required columns")
	}
}
