package source

import (
	"path/filepath"

	"shipyard/internal/fault"
	"shipyard/pkg/fileutil"
)

// Kind is the build descriptor found in the working copy root.
type Kind int

const (
	KindNone Kind = iota
	KindCompose
	KindDockerfile
)

func (k Kind) String() string {
	switch k {
	case KindCompose:
		return "compose"
	case KindDockerfile:
		return "dockerfile"
	default:
		return "none"
	}
}

// ComposeFiles are the recognized compose descriptors in lookup order.
var ComposeFiles = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Artifact is the build descriptor selected for a run.
type Artifact struct {
	Kind Kind
	// File is the descriptor's name relative to the working copy root.
	File string
}

// DetectArtifact inspects the root of dir. A compose file wins over a
// Dockerfile when both are present.
func DetectArtifact(dir string) (Artifact, error) {
	for _, name := range ComposeFiles {
		if fileutil.FileExists(filepath.Join(dir, name)) {
			return Artifact{Kind: KindCompose, File: name}, nil
		}
	}
	if fileutil.FileExists(filepath.Join(dir, "Dockerfile")) {
		return Artifact{Kind: KindDockerfile, File: "Dockerfile"}, nil
	}
	return Artifact{}, fault.New(fault.NoBuildArtifact,
		"no Dockerfile, docker-compose.yml/.yaml or compose.yml/.yaml in the repository root")
}
