package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/astromechza/whiteboard-sync/pkg/journal"
	"github.com/astromechza/whiteboard-sync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the journal file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := journal.Load(buff)
	if err != nil {
		return err
	}
	buff = nil
	slog.Info("loaded heads", "heads", doc.Heads())

	shapes, err := journal.Shapes(doc)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(shapes))
	for id := range shapes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		slog.Info("shape", "id", id, "type", shapes[id])
	}

	steps, err := viz.Steps(doc)
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, s := range steps {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", s.Hash, "actor", s.Actor, "msg", s.Message, "dep", s.Deps)
	}

	if err := viz.WriteDot(os.Stdout, steps); err != nil {
		return fmt.Errorf("failed to write digraph: %w", err)
	}
	if *svgVar != "" {
		if err := viz.RenderToFile(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
