package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ternarybob/meta/internal/common"
	badgerstore "github.com/ternarybob/meta/internal/storage/badger"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Meta version %s\n", common.GetFullVersion())
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Load the classifier catalog into the store and list it",
	Long:  `Reads every classifier definition under catalog.dir, upserts it into the store and prints the resulting catalog. Stop the server first, the store is single-process.`,
	RunE:  runCatalog,
}

func runCatalog(cmd *cobra.Command, args []string) error {
	sm, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer sm.Close()

	ctx := context.Background()
	if err := sm.LoadClassifiersFromFiles(ctx, config.Catalog.Dir); err != nil {
		return err
	}

	classifiers, err := sm.ClassifierStorage().ListClassifiers(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tDATABASE\tFORMATS\tSOURCE")
	for _, c := range classifiers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", c.Name, c.Image, c.DatabaseName, c.FileFormats, c.SourceFile)
	}
	return w.Flush()
}
