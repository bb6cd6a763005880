package models

import (
	"fmt"
	"strings"
)

// Classifier is a catalog entry describing an external classifier tool.
// Each CLI template is an argument list; {placeholders} are expanded per job.
type Classifier struct {
	Name         string   `json:"name" toml:"name" yaml:"name" badgerhold:"key"`
	Image        string   `json:"image" toml:"image" yaml:"image"`
	FileFormats  []string `json:"file_formats" toml:"file_formats" yaml:"file_formats"`
	DatabaseName string   `json:"database_name" toml:"database_name" yaml:"database_name"`

	DownloadCLI []string `json:"download_cli,omitempty" toml:"download" yaml:"download"`
	BuildCLI    []string `json:"build_cli,omitempty" toml:"build" yaml:"build"`
	ClassifyCLI []string `json:"classify_cli" toml:"classify" yaml:"classify"`
	ReportCLI   []string `json:"report_cli,omitempty" toml:"report" yaml:"report"`

	// SourceFile is the catalog file the entry was loaded from.
	SourceFile string `json:"source_file,omitempty" toml:"-" yaml:"-"`
}

// ClassifyPlaceholders are the variables bound when a classify command runs
var ClassifyPlaceholders = []string{
	"user_job_id", "job_id", "read_type", "data_dir", "run_dir",
	"classifier", "database", "fastq", "output", "output_dir",
}

// Validate checks the fields required to launch the classifier.
func (c *Classifier) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("classifier name is required")
	}
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("classifier %s: image is required", c.Name)
	}
	if len(c.ClassifyCLI) == 0 {
		return fmt.Errorf("classifier %s: classify command is required", c.Name)
	}
	return nil
}

// SupportsFormat reports whether the classifier accepts a read file extension.
// An empty format list accepts everything.
func (c *Classifier) SupportsFormat(ext string) bool {
	if len(c.FileFormats) == 0 {
		return true
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, f := range c.FileFormats {
		if strings.TrimPrefix(strings.ToLower(f), ".") == ext {
			return true
		}
	}
	return false
}
