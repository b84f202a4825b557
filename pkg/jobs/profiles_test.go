package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/runtime"
)

const profileYAML = `
profiles:
  train:
    image: trainer:1
    gpus: -1
    env:
      HF_HOME: /models/.cache
      SEED: "1"
    mounts:
      - source: /srv/models
        target: /models
  quantize:
    image: quantizer:1
`

func writeProfiles(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
}

func TestLoadProfilesMissingFileIsEmpty(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := p.Get(models.KindTrain); ok {
		t.Fatalf("expected no profile")
	}
}

func TestLoadProfilesRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	writeProfiles(t, path, "profiles:\n  bake:\n    image: oven\n")
	if _, err := LoadProfiles(path); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestProfilesMergeRequestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	writeProfiles(t, path, profileYAML)
	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	got := p.Merge(models.KindTrain, LaunchSpec{
		Image:  "trainer:2",
		Env:    map[string]string{"SEED": "7"},
		Mounts: []runtime.Mount{{Source: "/data/ds", Target: "/data", ReadOnly: true}},
	})
	if got.Image != "trainer:2" {
		t.Fatalf("expected request image, got %s", got.Image)
	}
	if got.GPUs != -1 {
		t.Fatalf("expected profile gpus, got %d", got.GPUs)
	}
	if got.Env["SEED"] != "7" || got.Env["HF_HOME"] != "/models/.cache" {
		t.Fatalf("unexpected env %v", got.Env)
	}
	if len(got.Mounts) != 2 || got.Mounts[0].Target != "/models" || got.Mounts[1].Target != "/data" {
		t.Fatalf("unexpected mounts %+v", got.Mounts)
	}

	base, _ := p.Get(models.KindTrain)
	if base.Env["SEED"] != "1" {
		t.Fatalf("merge mutated the profile")
	}
}

func TestProfilesWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	writeProfiles(t, path, profileYAML)
	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeProfiles(t, path, "profiles:\n  quantize:\n    image: quantizer:2\n")

	deadline := time.Now().Add(3 * time.Second)
	for {
		spec, _ := p.Get(models.KindQuantize)
		if spec.Image == "quantizer:2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("profiles not reloaded, quantize image %q", spec.Image)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := p.Get(models.KindTrain); ok {
		t.Fatalf("expected train profile to be dropped after reload")
	}
}
