package main

import (
	"fmt"
	"log/slog"

	"github.com/mattjoyce/tryextender/internal/catalog"
	"github.com/mattjoyce/tryextender/internal/classify"
	"github.com/mattjoyce/tryextender/internal/config"
	"github.com/mattjoyce/tryextender/internal/log"
	"github.com/mattjoyce/tryextender/internal/metrics"
	"github.com/mattjoyce/tryextender/internal/publish"
	"github.com/mattjoyce/tryextender/internal/relations"
	"github.com/mattjoyce/tryextender/internal/revision"
)

// core is the classification stack shared by every command.
type core struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	store      *catalog.Store
	graphs     *relations.Cache
	classifier *classify.Classifier
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

func newCatalogLoader(cc config.CatalogConfig) catalog.Loader {
	if cc.URL != "" {
		return catalog.NewHTTPLoader(cc.URL, cc.Timeout)
	}
	return catalog.FileLoader{Path: cc.Path}
}

func newCore(cfg *config.Config) *core {
	m := metrics.New()
	store := catalog.NewStore(newCatalogLoader(cfg.Catalog))
	graphs := relations.NewCache(store, m)
	jobs := revision.NewBuildAPIClient(revision.ClientConfig{
		BaseURL:  cfg.BuildAPI.BaseURL,
		Branch:   cfg.BuildAPI.Branch,
		Username: cfg.BuildAPI.Username,
		Password: cfg.BuildAPI.Password,
		Timeout:  cfg.BuildAPI.Timeout,
	})
	return &core{
		cfg:     cfg,
		metrics: m,
		store:   store,
		graphs:  graphs,
		classifier: classify.New(store, graphs, jobs,
			classify.WithMarkers(cfg.Catalog.RepoMarkers, cfg.Catalog.ExclusionMarkers),
			classify.WithObserver(m),
		),
	}
}

// newSinks builds the configured report sinks. Kafka is only used when
// withKafka is set. The returned close func is never nil.
func newSinks(cfg config.PublishConfig, file string, withKafka bool, logger *slog.Logger) (publish.Sink, func(), error) {
	var sinks publish.Multi
	closeFn := func() {}

	if file != "" {
		sinks = append(sinks, publish.FileSink{Path: file})
	}
	if withKafka {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, closeFn, fmt.Errorf("kafka publishing requested but publish.kafka.brokers is empty")
		}
		ks, err := publish.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, closeFn, err
		}
		logger.Info("kafka sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		sinks = append(sinks, ks)
		closeFn = ks.Close
	}
	if len(sinks) == 0 {
		return nil, closeFn, nil
	}
	return sinks, closeFn, nil
}
