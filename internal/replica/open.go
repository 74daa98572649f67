package replica

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"deltacrdt/internal/config"
	"deltacrdt/internal/store"
	"deltacrdt/internal/telemetry"
)

// Open builds the adapter named by cfg.Adapter and wraps it in a new
// Replica. This is the one place the front-ends (replicactl, replicad)
// need to know about adapter selection; everything else talks to the
// Replica façade only. It's a small string-keyed constructor dispatch,
// narrowed to the three adapters this engine carries.
func Open(ctx context.Context, cfg config.StoreConfig, reg prometheus.Registerer) (*Replica, error) {
	adapter, err := OpenAdapter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var metrics *telemetry.Metrics
	if reg != nil {
		metrics = telemetry.NewMetrics(reg)
	}
	return New(adapter, Config{
		ObjectCacheSize: cfg.ObjectCacheSize,
		OrderCacheSize:  cfg.OrderCacheSize,
		Metrics:         metrics,
	}), nil
}

// OpenAdapter builds the storage adapter named by cfg.Adapter, without
// constructing a Replica around it — used by meld (the CLI command and
// the HTTP handler), which needs a second, independent adapter pointed
// at another replica's data.
func OpenAdapter(ctx context.Context, cfg config.StoreConfig) (store.Adapter, error) {
	switch cfg.Adapter {
	case "memory":
		return store.NewMemoryAdapter(), nil
	case "local":
		return store.NewLocalFSAdapter(cfg.LocalPath)
	case "s3":
		return store.NewS3Adapter(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix)
	default:
		return nil, fmt.Errorf("unknown store adapter %q", cfg.Adapter)
	}
}
