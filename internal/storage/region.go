package storage

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/yourorg/bucketkit/internal/metrics"
)

// DefaultRegion is used when Options.Region is empty.
const DefaultRegion = "us-east-1"

// LoadFunc builds an AWS config for region. Credentials come from the SDK default chain.
type LoadFunc func(ctx context.Context, region string) (aws.Config, error)

func loadDefaultConfig(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithRegion(region))
}

// Regions holds the current default region and the AWS config loaded for it.
// Safe for concurrent use; the last Configure with a new region wins.
type Regions struct {
	mu      sync.Mutex
	load    LoadFunc
	current string
	set     bool
	cfg     aws.Config
}

// DefaultRegions is the process-wide registry used by New when Options.Regions is nil.
var DefaultRegions = NewRegions(nil)

// NewRegions returns an empty registry. A nil load uses config.LoadDefaultConfig.
func NewRegions(load LoadFunc) *Regions {
	if load == nil {
		load = loadDefaultConfig
	}
	return &Regions{load: load}
}

// Configure makes region the current default and returns the config for it.
// The config is only reloaded when region differs from the current one.
func (r *Regions) Configure(ctx context.Context, region string) (aws.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set && r.current == region {
		return r.cfg, nil
	}
	cfg, err := r.load(ctx, region)
	if err != nil {
		return aws.Config{}, err
	}
	r.current, r.cfg, r.set = region, cfg, true
	metrics.RegionReloads.Inc()
	return cfg, nil
}

// Current returns the current default region, if one was configured.
func (r *Regions) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.set
}
