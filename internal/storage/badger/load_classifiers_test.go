package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/models"
)

func TestLoadClassifiersFromFiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kraken.toml"), []byte(`
name = "kraken"
image = "staphb/kraken2:2.1.3"
file_formats = ["fastq", "fasta"]
database_name = "standard"
classify = ["kraken2", "--db", "{database}", "--report", "{output}", "{fastq}"]
`), 0644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blast.yaml"), []byte(`
name: blast
image: ncbi/blast:latest
database_name: nt
classify: ["blastn", "-db", "{database}", "-query", "{fastq}", "-out", "{output}"]
report: ["summarize", "{output}"]
`), 0644))

	// Unbound placeholder: skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, "typo.toml"), []byte(`
name = "typo"
image = "meta/typo:latest"
classify = ["typo", "{fasta}", "{output}"]
`), 0644))

	// Missing image: skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte(`name = "broken"`), 0644))
	// Not a catalog file
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# catalog"), 0644))

	require.NoError(t, LoadClassifiersFromFiles(ctx, m.ClassifierStorage(), dir, arbor.NewLogger()))

	classifiers, err := m.ClassifierStorage().ListClassifiers(ctx)
	require.NoError(t, err)
	require.Len(t, classifiers, 2)
	assert.Equal(t, "blast", classifiers[0].Name)
	assert.Equal(t, []string{"summarize", "{output}"}, classifiers[0].ReportCLI)
	assert.Equal(t, "kraken", classifiers[1].Name)
	assert.Equal(t, "standard", classifiers[1].DatabaseName)
	assert.Equal(t, "kraken.toml", classifiers[1].SourceFile)

	for _, name := range []string{"broken", "typo"} {
		_, err = m.ClassifierStorage().GetClassifier(ctx, name)
		assert.ErrorIs(t, err, models.ErrNotFound, name)
	}
}

func TestLoadClassifiersFromFiles_MissingDir(t *testing.T) {
	m := newTestManager(t)
	err := LoadClassifiersFromFiles(context.Background(), m.ClassifierStorage(), filepath.Join(t.TempDir(), "none"), arbor.NewLogger())
	assert.NoError(t, err)
}
