// Package publish delivers revision reports to their consumers: a JSON file on
// disk and, optionally, a Kafka topic.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/tryextender/internal/classify"
)

// DefaultFileName is the report file written by the classify command.
const DefaultFileName = "try_graph.json"

// Sink receives classified reports.
type Sink interface {
	Publish(ctx context.Context, report *classify.Report) error
}

// FileSink writes the report as indented JSON, replacing the file atomically.
type FileSink struct {
	Path string
}

func (s FileSink) Publish(ctx context.Context, report *classify.Report) error {
	path := s.Path
	if path == "" {
		path = DefaultFileName
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := report.WriteJSON(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, report *classify.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
