package sop

import (
	"encoding/json"
	"os"
	"time"
)

// IndexStatePrecondition names the lifecycle precondition an index must satisfy before a
// build invocation is permitted to proceed. See the State-Precondition Gate.
type IndexStatePrecondition int

const (
	// ErrorIfDisabledContinueIfWriteOnly is the default: Disabled is fatal, WriteOnly resumes,
	// Readable is a no-op.
	ErrorIfDisabledContinueIfWriteOnly IndexStatePrecondition = iota
	// BuildIfDisabled builds from Disabled; a concurrent WriteOnly build is left alone
	// ("already being built"); Readable is a no-op.
	BuildIfDisabled
	// BuildIfDisabledContinueIfWriteOnly builds from Disabled and resumes an in-progress
	// WriteOnly build rather than clearing it; Readable is a no-op.
	BuildIfDisabledContinueIfWriteOnly
	// BuildIfDisabledRebuildIfWriteOnly builds from Disabled and clears-then-rebuilds from
	// WriteOnly instead of resuming; Readable is a no-op.
	BuildIfDisabledRebuildIfWriteOnly
	// ForceBuild clears and rebuilds unconditionally regardless of current lifecycle state.
	ForceBuild
)

// IndexFromIndexPolicy controls the By-Index build strategy's source-index selection and
// its fallback behavior when the source index cannot satisfy the target.
type IndexFromIndexPolicy struct {
	SourceIndex      string `json:"sourceIndex,omitempty"`
	AllowRecordScan  bool   `json:"allowRecordScan"`
}

// Configuration holds every tunable recognized by the index builder, with the defaults
// named in the external interfaces surface.
type Configuration struct {
	RedisOptions   RedisOptionsConfig `json:"redisOptions"`
	CassandraHosts []string           `json:"cassandraHosts,omitempty"`

	MaxLimit                  int                     `json:"maxLimit"`
	MaxWriteLimitBytes        int                     `json:"maxWriteLimitBytes"`
	MaxRetries                int                     `json:"maxRetries"`
	RecordsPerSecond          int                     `json:"recordsPerSecond"`
	ProgressLogIntervalMillis int                     `json:"progressLogIntervalMillis"`
	IncreaseLimitAfter        int                     `json:"increaseLimitAfter"`
	LeaseLengthMillis         int                     `json:"leaseLengthMillis"`
	TrackProgress             bool                    `json:"trackProgress"`
	UseSynchronizedSession    bool                    `json:"useSynchronizedSession"`
	IndexStatePrecondition    IndexStatePrecondition  `json:"indexStatePrecondition"`
	IndexFromIndexPolicy      IndexFromIndexPolicy    `json:"indexFromIndexPolicy"`
}

// RedisOptionsConfig mirrors cache.Options without importing package cache, which itself
// imports this package's sibling sop root package; kept parallel and converted at the call site.
type RedisOptionsConfig struct {
	Address                  string `json:"address"`
	Password                 string `json:"password,omitempty"`
	DB                       int    `json:"db"`
	DefaultDurationInSeconds int    `json:"defaultDurationInSeconds"`
}

// DefaultConfiguration returns the configuration surface's documented defaults.
func DefaultConfiguration() Configuration {
	return Configuration{
		RedisOptions: RedisOptionsConfig{
			Address:                  "localhost:6379",
			DB:                       0,
			DefaultDurationInSeconds: 24 * 60 * 60,
		},
		MaxLimit:                  100,
		MaxWriteLimitBytes:        900000,
		MaxRetries:                100,
		RecordsPerSecond:          10000,
		ProgressLogIntervalMillis: -1,
		IncreaseLimitAfter:        -1,
		LeaseLengthMillis:         10000,
		TrackProgress:             true,
		UseSynchronizedSession:    true,
		IndexStatePrecondition:    ErrorIfDisabledContinueIfWriteOnly,
	}
}

// LeaseLength returns LeaseLengthMillis as a time.Duration.
func (c Configuration) LeaseLength() time.Duration {
	return time.Duration(c.LeaseLengthMillis) * time.Millisecond
}

// ProgressLogInterval returns ProgressLogIntervalMillis as a time.Duration, or 0 if disabled.
func (c Configuration) ProgressLogInterval() time.Duration {
	if c.ProgressLogIntervalMillis < 0 {
		return 0
	}
	return time.Duration(c.ProgressLogIntervalMillis) * time.Millisecond
}

// LoadConfiguration reads a JSON file and overlays it on top of DefaultConfiguration,
// so a config file only needs to specify the options it wants to override... except JSON
// unmarshal into a struct already populated with defaults does exactly that for free.
func LoadConfiguration(filename string) (Configuration, error) {
	c := DefaultConfiguration()
	data, err := os.ReadFile(filename)
	if err != nil {
		return Configuration{}, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, err
	}
	return c, nil
}
