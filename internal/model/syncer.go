package model

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// SpecSource lists the persisted model descriptors. Implemented by the
// database layer.
type SpecSource interface {
	ListModels(ctx context.Context) ([]pipeline.ModelSpec, error)
}

// Subscriber delivers coalesced change notifications. Implemented by
// the camera/model registry.
type Subscriber interface {
	Subscribe() (<-chan struct{}, func())
}

// Syncer keeps the runtime registry aligned with the model table while
// the daemon runs, so models added or toggled through the management
// surface get runtimes without a restart. Runs as a suture service.
type Syncer struct {
	reg    *Registry
	source SpecSource
	sub    Subscriber
	client *http.Client
	log    zerolog.Logger
}

// NewSyncer wires a syncer; Serve runs it.
func NewSyncer(reg *Registry, source SpecSource, sub Subscriber, client *http.Client) *Syncer {
	return &Syncer{
		reg:    reg,
		source: source,
		sub:    sub,
		client: client,
		log:    logging.Component("model"),
	}
}

// Serve implements suture.Service: on every registry change it re-reads
// the model table and reconciles the loaded runtimes.
func (s *Syncer) Serve(ctx context.Context) error {
	changes, cancel := s.sub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			specs, err := s.source.ListModels(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("model table read failed, keeping loaded runtimes")
				continue
			}
			s.reg.Sync(specs, s.client)
		}
	}
}

func (s *Syncer) String() string { return "model.Syncer" }
