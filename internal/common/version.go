package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
)

// Release stamps, set with -ldflags "-X github.com/ternarybob/meta/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile fills in stamps the linker left unset. A .version file
// beside the binary overrides Version; the VCS information that go build
// embeds supplies the commit and its time.
func LoadVersionFromFile() {
	if exe, err := os.Executable(); err == nil {
		applyVersionFile(filepath.Join(filepath.Dir(exe), ".version"))
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(info.Settings)
	}
}

func applyVersionFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
}

func applyBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 7 {
				GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if Build == "unknown" && s.Value != "" {
				Build = s.Value
			}
		}
	}
}
