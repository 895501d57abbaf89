// Package pipeline implements the five-stage ingestion run: cup index,
// cup detail, race detail, odds snapshots, and result pages. Stages share
// one store gateway and one ledger; each stage owns its slice of tables.
package pipeline

import (
	"time"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/cache"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/db"
	"github.com/keirinlab/keirinfeed/internal/metrics"
	"github.com/keirinlab/keirinfeed/internal/providers/winticket"
	"github.com/keirinlab/keirinfeed/internal/providers/yenjoy"
)

// Deps bundles everything the stages are built from.
type Deps struct {
	Gateway      *db.Gateway
	Winticket    *winticket.Client
	Yenjoy       *yenjoy.Client
	Venues       *yenjoy.Resolver
	Cache        cache.Cache
	CacheTTL     time.Duration
	Workers      int
	Step3Workers int
	Metrics      *metrics.Registry
}

// New wires the five stage updaters into a coordinator.
func New(d Deps) *Coordinator {
	extractor := NewExtractor(d.Gateway)
	ledger := NewLedger(d.Gateway, d.Metrics)

	return NewCoordinator(d.Metrics,
		NewStep1Updater(d.Winticket, NewStep1Saver(d.Gateway), d.Metrics),
		NewStep2Updater(extractor, d.Winticket, NewStep2Saver(d.Gateway, ledger), d.Metrics),
		NewStep3Updater(extractor, d.Winticket, NewStep3Saver(d.Gateway, ledger), ledger, d.Step3Workers, d.Metrics),
		NewStep4Updater(extractor, d.Winticket, NewStep4Saver(d.Gateway, ledger), ledger, d.Cache, d.CacheTTL, d.Workers, d.Metrics),
		NewStep5Updater(extractor, d.Yenjoy, d.Venues, NewStep5Saver(d.Gateway, ledger), ledger, d.Workers, d.Metrics),
	)
}
