package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// PublishedPort is a host port published by a compose service.
type PublishedPort struct {
	Service   string
	Published string
	Target    uint32
}

// ComposeSummary describes the services of a compose file.
type ComposeSummary struct {
	Services []string
	Ports    []PublishedPort
}

// Publishes reports whether any service publishes port on the host.
func (s *ComposeSummary) Publishes(port int) bool {
	want := strconv.Itoa(port)
	for _, p := range s.Ports {
		if p.Published == want {
			return true
		}
	}
	return false
}

// InspectCompose parses the compose file at path without touching docker.
func InspectCompose(ctx context.Context, path, project string) (*ComposeSummary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compose file: %w", err)
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", filepath.Base(path), err)
	}
	if dict == nil {
		return nil, fmt.Errorf("%s is empty", filepath.Base(path))
	}

	p, err := loader.LoadWithContext(ctx, types.ConfigDetails{
		WorkingDir: filepath.Dir(path),
		ConfigFiles: []types.ConfigFile{
			{
				Filename: path,
				Content:  content,
				Config:   dict,
			},
		},
		Environment: types.Mapping{},
	}, func(opts *loader.Options) {
		opts.SetProjectName(project, false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	summary := &ComposeSummary{}
	for name, svc := range p.Services {
		if svc.Image == "" && svc.Build == nil {
			return nil, fmt.Errorf("service %q has neither an image nor a build context", name)
		}
		summary.Services = append(summary.Services, name)
		for _, port := range svc.Ports {
			if port.Published == "" {
				continue
			}
			summary.Ports = append(summary.Ports, PublishedPort{
				Service:   name,
				Published: port.Published,
				Target:    port.Target,
			})
		}
	}
	sort.Strings(summary.Services)
	sort.Slice(summary.Ports, func(i, j int) bool {
		if summary.Ports[i].Service != summary.Ports[j].Service {
			return summary.Ports[i].Service < summary.Ports[j].Service
		}
		return summary.Ports[i].Published < summary.Ports[j].Published
	})
	return summary, nil
}
