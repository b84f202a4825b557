package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/runtime"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Profiles holds the default launch spec per job kind, read from a YAML
// file shaped like:
//
//	profiles:
//	  train:
//	    image: registry.local/trainer:latest
//	    gpus: -1
//	    env:
//	      HF_HOME: /models/.cache
//	    mounts:
//	      - source: /var/lib/acceltune/models
//	        target: /models
type Profiles struct {
	path   string
	mu     sync.RWMutex
	byKind map[models.JobKind]LaunchSpec
}

type profileFile struct {
	Profiles map[models.JobKind]LaunchSpec `yaml:"profiles"`
}

func NewProfiles(byKind map[models.JobKind]LaunchSpec) *Profiles {
	if byKind == nil {
		byKind = map[models.JobKind]LaunchSpec{}
	}
	return &Profiles{byKind: byKind}
}

// LoadProfiles reads path. A missing file yields empty profiles so that
// every Start must then carry a full launch spec.
func LoadProfiles(path string) (*Profiles, error) {
	p := &Profiles{path: path, byKind: map[models.JobKind]LaunchSpec{}}
	if err := p.reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Log.WithField("path", path).Warn("launch profile file not found, starting without profiles")
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

func (p *Profiles) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", p.path, err)
	}
	for kind := range file.Profiles {
		if !kind.Valid() {
			return fmt.Errorf("parsing %s: unknown job kind %q", p.path, kind)
		}
	}
	if file.Profiles == nil {
		file.Profiles = map[models.JobKind]LaunchSpec{}
	}
	p.mu.Lock()
	p.byKind = file.Profiles
	p.mu.Unlock()
	return nil
}

func (p *Profiles) Get(kind models.JobKind) (LaunchSpec, bool) {
	if p == nil {
		return LaunchSpec{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.byKind[kind]
	return spec, ok
}

// Merge overlays spec on the profile of kind. Scalars set in spec win, env
// maps are merged with spec winning per key, and mounts are concatenated.
func (p *Profiles) Merge(kind models.JobKind, spec LaunchSpec) LaunchSpec {
	base, _ := p.Get(kind)
	out := LaunchSpec{
		Image:   base.Image,
		Cmd:     base.Cmd,
		Network: base.Network,
		GPUs:    base.GPUs,
	}
	if spec.Image != "" {
		out.Image = spec.Image
	}
	if len(spec.Cmd) > 0 {
		out.Cmd = spec.Cmd
	}
	if spec.Network != "" {
		out.Network = spec.Network
	}
	if spec.GPUs != 0 {
		out.GPUs = spec.GPUs
	}
	if len(base.Env)+len(spec.Env) > 0 {
		out.Env = make(map[string]string, len(base.Env)+len(spec.Env))
		for k, v := range base.Env {
			out.Env[k] = v
		}
		for k, v := range spec.Env {
			out.Env[k] = v
		}
	}
	out.Mounts = append(append([]runtime.Mount{}, base.Mounts...), spec.Mounts...)
	return out
}

// Watch reloads the profile file whenever it changes until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are noticed too.
func (p *Profiles) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := p.reload(); err != nil {
					logger.Log.WithError(err).WithField("path", p.path).Error("failed to reload launch profiles")
					continue
				}
				logger.Log.WithField("path", p.path).Info("launch profiles reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Log.WithError(err).Warn("launch profile watcher error")
			}
		}
	}()
	return nil
}
