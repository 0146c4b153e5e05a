// Package main is the entry point for zoomstore-meta, the registry
// export/import and consistency tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/imagestore"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/serialization"
)

const (
	usage         = "Usage: zoomstore-meta <export|import|verify> [flags]"
	defaultDBPath = "./data/registry.db"
)

func resolveDBPath(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	reg, _ := raw["registry"].(map[string]any)
	if reg == nil {
		return defaultDBPath, nil
	}
	sqliteSection, _ := reg["sqlite"].(map[string]any)
	if sqliteSection == nil {
		return defaultDBPath, nil
	}
	path, _ := sqliteSection["path"].(string)
	if path == "" {
		return defaultDBPath, nil
	}
	return path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	case "verify":
		os.Exit(runVerify(os.Args[2:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func openRegistry(configPath, dbPath string) (*registry.SQLiteStore, error) {
	db := dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return registry.NewSQLiteStore(db)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "zoomstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	reg, err := openRegistry(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		return 1
	}
	defer reg.Close()

	data, err := serialization.ExportJSON(context.Background(), reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if *output == "-" {
		os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "zoomstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (remove every record first)")
	fs.Parse(args)

	var data []byte
	var err error
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	reg, err := openRegistry(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		return 1
	}
	defer reg.Close()

	result, err := serialization.Import(context.Background(), reg, data, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  images: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}

// runVerify checks every registered image against the files under the
// image root. It returns 1 when any image is defective.
func runVerify(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "zoomstore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	root := fs.String("root", "", "Image root directory (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}
	if *root != "" {
		cfg.Storage.RootDir = *root
	}
	db := *dbPath
	if db == "" {
		db = cfg.Registry.SQLite.Path
	}

	reg, err := registry.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		return 1
	}
	defer reg.Close()
	layout, err := imagestore.NewLayout(cfg.Storage.RootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening image root: %v\n", err)
		return 1
	}
	return verifyAll(context.Background(), imagestore.New(layout, reg, nil, imagestore.Limits{}), out)
}

func verifyAll(ctx context.Context, store *imagestore.Store, out io.Writer) int {
	recs, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing images: %v\n", err)
		return 1
	}

	var bad, complete int
	var bytes uint64
	for _, rec := range recs {
		res, err := store.Verify(ctx, rec.ID)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", rec.ID, err)
			bad++
			continue
		}
		bytes += uint64(rec.Size)
		if res.Complete {
			complete++
		}
		if res.OK() {
			continue
		}
		bad++
		switch {
		case res.Problem != "":
			fmt.Fprintf(out, "%s: %s\n", rec.ID, res.Problem)
		case !res.Source:
			fmt.Fprintf(out, "%s: source missing\n", rec.ID)
		default:
			fmt.Fprintf(out, "%s: %d of %d tiles missing, first %v\n", rec.ID, res.MissingCount, res.Tiles, res.Missing)
		}
	}

	fmt.Fprintf(out, "%d images (%s of sources), %d pyramids complete, %d defective\n",
		len(recs), humanize.IBytes(bytes), complete, bad)
	if bad > 0 {
		return 1
	}
	return 0
}
