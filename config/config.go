// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config holds the TOML configuration of a persist runtime: its
// logging, its shared row cache and the data nodes it talks to.
package config

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/featurebasedb/persist"
	"github.com/featurebasedb/persist/boltnode"
	"github.com/featurebasedb/persist/errors"
	"github.com/featurebasedb/persist/logger"
	"github.com/featurebasedb/persist/memnode"
	"github.com/featurebasedb/persist/sqlnode"
	"github.com/featurebasedb/persist/toml"
	"github.com/featurebasedb/persist/tracing"
	tracingot "github.com/featurebasedb/persist/tracing/opentracing"
	"github.com/opentracing/opentracing-go"
	gotoml "github.com/pelletier/go-toml"
)

const ErrInvalidConfig errors.Code = "InvalidConfig"

// Node types.
const (
	NodeTypeMemory = "memory"
	NodeTypeSQL    = "sql"
	NodeTypeBolt   = "bolt"
)

// Config represents the configuration of a runtime.
type Config struct {
	// LogPath configures where logs are written. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles debug logging.
	Verbose bool `toml:"verbose"`

	// Tracing reports spans to the opentracing global tracer.
	Tracing bool `toml:"tracing"`

	// ValidateOnCommit is the default validation setting of new object
	// contexts.
	ValidateOnCommit bool `toml:"validate-on-commit" default:"true"`

	// Cache configures the row store shared by every object context.
	Cache CacheConfig `toml:"cache"`

	Nodes []NodeConfig `toml:"node"`
}

// CacheConfig configures the shared row store.
type CacheConfig struct {
	// Size bounds the number of cached rows. Zero means unbounded.
	Size int `toml:"size"`

	// TTL makes rows older than it read as absent. Zero means rows do
	// not expire.
	TTL toml.Duration `toml:"ttl"`

	Shards int `toml:"shards" default:"16"`
}

// NodeConfig configures one data node.
type NodeConfig struct {
	Name string `toml:"name"`

	// Type is one of memory, sql or bolt.
	Type string `toml:"type"`

	// Driver is the database/sql driver of a sql node.
	Driver string `toml:"driver"`

	// DSN is the data source name of a sql node.
	DSN string `toml:"dsn"`

	// Path is the database file of a bolt node.
	Path string `toml:"path"`

	PoolSize int           `toml:"pool-size"`
	PoolWait toml.Duration `toml:"pool-wait"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	return &Config{
		ValidateOnCommit: true,
		Cache: CacheConfig{
			Size:   100000,
			Shards: persist.DefaultRowStoreShards,
		},
		Nodes: []NodeConfig{
			{
				Name:     "db",
				Type:     NodeTypeMemory,
				PoolSize: 8,
				PoolWait: toml.Duration(10 * time.Second),
			},
		},
	}
}

// Parse reads a TOML configuration. Keys that are absent keep their zero
// value, except where Config declares a default.
func Parse(r io.Reader) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	c := &Config{}
	if err := gotoml.Unmarshal(data, c); err != nil {
		return nil, errors.WrapCode(err, ErrInvalidConfig, "decoding config")
	}
	return c, nil
}

// ParseFile reads the TOML configuration at path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer f.Close()
	return Parse(f)
}

// Validate checks that the configuration can be built.
func (c *Config) Validate() error {
	if c.Cache.Size < 0 {
		return errors.Newf(ErrInvalidConfig, "cache size must not be negative: %d", c.Cache.Size)
	}
	if c.Cache.TTL < 0 {
		return errors.Newf(ErrInvalidConfig, "cache ttl must not be negative: %s", c.Cache.TTL)
	}
	if len(c.Nodes) == 0 {
		return errors.New(ErrInvalidConfig, "at least one node is required")
	}

	seen := make(map[string]bool)
	for i, n := range c.Nodes {
		if n.Name == "" {
			return errors.Newf(ErrInvalidConfig, "node %d has no name", i)
		}
		if seen[n.Name] {
			return errors.Newf(ErrInvalidConfig, "duplicate node %q", n.Name)
		}
		seen[n.Name] = true

		if n.PoolSize < 0 || n.PoolWait < 0 {
			return errors.Newf(ErrInvalidConfig, "node %q: pool settings must not be negative", n.Name)
		}
		switch n.Type {
		case NodeTypeMemory:
		case NodeTypeSQL:
			if sqlnode.DialectFor(n.Driver) == nil {
				return errors.Newf(ErrInvalidConfig, "node %q: unsupported driver %q", n.Name, n.Driver)
			}
			if n.DSN == "" {
				return errors.Newf(ErrInvalidConfig, "node %q: dsn is required", n.Name)
			}
		case NodeTypeBolt:
			if n.Path == "" {
				return errors.Newf(ErrInvalidConfig, "node %q: path is required", n.Name)
			}
		default:
			return errors.Newf(ErrInvalidConfig, "node %q: unknown type %q", n.Name, n.Type)
		}
	}
	return nil
}

// NewLogger returns the logger described by the configuration. Without a
// log path it writes to stderr.
func (c *Config) NewLogger(stderr io.Writer) (logger.Logger, error) {
	w := stderr
	if c.LogPath != "" {
		fw, err := logger.NewFileWriter(c.LogPath)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		w = fw
	}
	return logger.NewLogger(w, c.Verbose), nil
}

// NewRowStore returns the shared row store described by the cache section.
func (c *Config) NewRowStore(log logger.Logger) *persist.RowStore {
	opts := []persist.RowStoreOption{
		persist.OptRowStoreMaxSize(c.Cache.Size),
		persist.OptRowStoreTTL(time.Duration(c.Cache.TTL)),
		persist.OptRowStoreLogger(log.WithPrefix("[rowstore] ")),
	}
	if c.Cache.Shards > 0 {
		opts = append(opts, persist.OptRowStoreShards(c.Cache.Shards))
	}
	return persist.NewRowStore(opts...)
}

// OpenNodes creates every configured node. Bolt files are opened; sql
// databases are not contacted. Tables of memory and bolt nodes are created
// from entities. On error, nodes opened so far are closed.
func (c *Config) OpenNodes(log logger.Logger, entities ...*persist.Entity) (nodes []persist.DataNode, err error) {
	defer func() {
		if err != nil {
			closeNodes(nodes)
			nodes = nil
		}
	}()

	for _, nc := range c.Nodes {
		node, err := nc.open(log.WithPrefix("["+nc.Name+"] "), entities)
		if err != nil {
			return nodes, errors.Wrapf(err, "opening node %s", nc.Name)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (nc NodeConfig) open(log logger.Logger, entities []*persist.Entity) (persist.DataNode, error) {
	wait := time.Duration(nc.PoolWait)
	switch nc.Type {
	case NodeTypeMemory:
		return memnode.New(nc.Name,
			memnode.OptNodeEntities(entities...),
			memnode.OptNodePool(nc.PoolSize, wait),
			memnode.OptNodeLogger(log),
		), nil
	case NodeTypeSQL:
		return sqlnode.New(nc.Name, nc.Driver, nc.DSN,
			sqlnode.OptNodePool(nc.PoolSize, wait),
			sqlnode.OptNodeLogger(log),
		)
	case NodeTypeBolt:
		n := boltnode.New(nc.Name, "file:"+nc.Path,
			boltnode.OptNodeEntities(entities...),
			boltnode.OptNodePool(nc.PoolSize, wait),
			boltnode.OptNodeLogger(log),
		)
		if err := n.Open(); err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, errors.Newf(ErrInvalidConfig, "unknown node type %q", nc.Type)
}

func closeNodes(nodes []persist.DataNode) {
	for _, n := range nodes {
		if c, ok := n.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// Build validates the configuration and returns a runtime over the
// configured nodes and entities. With tracing enabled, the global tracer is
// replaced by one reporting to the opentracing global tracer.
func (c *Config) Build(log logger.Logger, entities ...*persist.Entity) (*persist.Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Tracing {
		tracing.GlobalTracer = tracingot.NewTracer(opentracing.GlobalTracer())
	}
	nodes, err := c.OpenNodes(log, entities...)
	if err != nil {
		return nil, err
	}

	opts := []persist.RuntimeOption{
		persist.OptRuntimeEntities(entities...),
		persist.OptRuntimeLogger(log),
		persist.OptRuntimeRowStore(c.NewRowStore(log)),
		persist.OptRuntimeValidateOnCommit(c.ValidateOnCommit),
	}
	for _, n := range nodes {
		opts = append(opts, persist.OptRuntimeNode(n))
	}
	rt, err := persist.NewRuntime(opts...)
	if err != nil {
		closeNodes(nodes)
		return nil, errors.Wrap(err, "creating runtime")
	}
	return rt, nil
}

// Pinger is implemented by nodes that can check their store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
