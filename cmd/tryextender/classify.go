package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/tryextender/internal/classify"
	"github.com/mattjoyce/tryextender/internal/log"
	"github.com/mattjoyce/tryextender/internal/revision"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var (
		out       string
		toKafka   bool
		printJSON bool
	)
	cmd := &cobra.Command{
		Use:   "classify <revision>",
		Short: "Classify one revision and write its report",
		Long: `Fetch the jobs of a try revision, classify them against the builder
catalog and write the report to --out (default: publish.file from the config).
With --publish the report is also produced to the configured Kafka topic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev := args[0]
			if err := revision.Validate(rev); err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Publish.File
			}
			logger := log.WithRevision(rev)

			report, err := newCore(cfg).classifier.Classify(cmd.Context(), rev)
			switch {
			case errors.Is(err, classify.ErrRevisionNotFound), errors.Is(err, classify.ErrFetchFailed):
				return fmt.Errorf("commit not found: %w", err)
			case err != nil:
				return err
			}

			if printJSON {
				if err := report.WriteJSON(cmd.OutOrStdout()); err != nil {
					return err
				}
			}

			sink, closeSinks, err := newSinks(cfg.Publish, out, toKafka, logger)
			if err != nil {
				return err
			}
			defer closeSinks()
			if sink == nil {
				return nil
			}
			if err := sink.Publish(cmd.Context(), report); err != nil {
				return fmt.Errorf("publish report: %w", err)
			}
			logger.Info("report published", "file", out, "kafka", toKafka, "keys", len(report.Keys()))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Report file path (default: publish.file)")
	cmd.Flags().BoolVar(&toKafka, "publish", false, "Also produce the report to the configured Kafka topic")
	cmd.Flags().BoolVar(&printJSON, "print", false, "Write the report to stdout as well")
	return cmd
}
