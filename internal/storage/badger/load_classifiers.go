package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadClassifiersFromFiles loads classifier definitions from TOML and YAML files in the specified directory.
// Each file holds one classifier. Files that fail to parse or validate are logged and skipped.
func LoadClassifiersFromFiles(ctx context.Context, classifierStorage interfaces.ClassifierStorage, catalogDir string, logger arbor.ILogger) error {
	if _, err := os.Stat(catalogDir); os.IsNotExist(err) {
		logger.Debug().Str("dir", catalogDir).Msg("Classifier catalog directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", catalogDir).Msg("Loading classifier catalog from files")

	entries, err := os.ReadDir(catalogDir)
	if err != nil {
		return fmt.Errorf("failed to read classifier catalog directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		filePath := filepath.Join(catalogDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read classifier file")
			continue
		}

		classifier, err := parseClassifier(data, ext)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse classifier file")
			continue
		}
		classifier.SourceFile = entry.Name()

		if err := classifierStorage.SaveClassifier(ctx, classifier); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("classifier", classifier.Name).Msg("Failed to save classifier")
			continue
		}

		logger.Info().
			Str("file", entry.Name()).
			Str("classifier", classifier.Name).
			Str("image", classifier.Image).
			Msg("Classifier loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Classifier catalog loaded")
	} else {
		logger.Debug().Msg("No classifiers loaded from files")
	}

	return nil
}

func parseClassifier(data []byte, ext string) (*models.Classifier, error) {
	var classifier models.Classifier
	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &classifier); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &classifier); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	}
	if err := classifier.Validate(); err != nil {
		return nil, err
	}
	for _, name := range common.Placeholders(classifier.ClassifyCLI) {
		if !slices.Contains(models.ClassifyPlaceholders, name) {
			return nil, fmt.Errorf("classifier %s: classify command uses unknown placeholder {%s}", classifier.Name, name)
		}
	}
	return &classifier, nil
}
