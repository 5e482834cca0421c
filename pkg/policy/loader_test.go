package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/graphexec/pkg/framework"
)

func quietLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := quietLoader()
	policyFile := filepath.Join(t.TempDir(), "gpu-one.rego")
	writeFile(t, policyFile, gpuOnePolicy)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "gpu-one" {
		t.Errorf("Expected name 'gpu-one', got '%s'", policy.Name)
	}
	if policy.Rego != gpuOnePolicy || policy.Source != policyFile {
		t.Error("Rego content or source doesn't match")
	}
	if policy.Description != "relu is broken on the second GPU" {
		t.Errorf("Description = %q", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := quietLoader()
	dir := t.TempDir()

	policyFile := filepath.Join(dir, "named.json")
	writeFile(t, policyFile, `{"description": "from json", "rego": "package graphexec.denylist\n"}`)
	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "named" || policy.Description != "from json" {
		t.Errorf("policy = %+v", policy)
	}

	emptyFile := filepath.Join(dir, "empty.json")
	writeFile(t, emptyFile, `{"name": "empty"}`)
	if _, err := loader.loadFromFile(context.Background(), emptyFile); err == nil {
		t.Error("JSON policy without rego accepted")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := quietLoader()
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "a.rego"), gpuOnePolicy)
	writeFile(t, filepath.Join(sub, "b.json"), `{"rego": "package graphexec.denylist\n"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2: %+v", len(policies), policies)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing.rego")}); err == nil {
		t.Error("missing path accepted")
	}
}

func TestLoaderCache(t *testing.T) {
	loader := quietLoader()
	path := filepath.Join(t.TempDir(), "p.rego")
	writeFile(t, path, gpuOnePolicy)

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "package graphexec.denylist\n")
	cached, _ := loader.loadFromFile(context.Background(), path)
	if cached.Rego != first.Rego {
		t.Error("second load bypassed the cache")
	}

	loader.ClearCache()
	fresh, _ := loader.loadFromFile(context.Background(), path)
	if fresh.Rego == first.Rego {
		t.Error("ClearCache() kept the old policy")
	}
}

func TestWatchReloadsDenylist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.rego")
	writeFile(t, path, "package graphexec.denylist\n")

	loader := quietLoader()
	loader.reloadDelay = 20 * time.Millisecond
	d := newDenylist(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 4)
	if err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		err := d.Update(ctx, policies)
		select {
		case reloaded <- err:
		default:
		}
		return err
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, path, gpuOnePolicy)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-reloaded:
			// A reload can observe the file half written.
			if err == nil && d.Denied("relu", framework.GPUPlace(1)) {
				return
			}
		case <-deadline:
			t.Fatal("policy change not picked up")
		}
	}
}
