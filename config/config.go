/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 13:01:02 2019 mstenber
 * Last modified: Tue Feb 26 10:12:44 2019 mstenber
 * Edit time:     88 min
 *
 */

// config is the coordinator configuration. Zero values mean default;
// Init fills them in and computes the derived values, Validate
// rejects unusable combinations.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/fingon/go-blockmaster/mlog"
	"gopkg.in/yaml.v3"
)

// MaxReplicationLimit is the exclusive upper bound of Replication.Max.
const MaxReplicationLimit = 32767

type Journal struct {
	Directory   string `yaml:"directory"`
	Backend     string `yaml:"backend"`
	Password    string `yaml:"password"`
	Salt        string `yaml:"salt"`
	Encrypt     bool   `yaml:"encrypt"`
	Iterations  int    `yaml:"iterations"`
	Compression string `yaml:"compression"`
	NoSync      bool   `yaml:"nosync"`
}

type Replication struct {
	Default    int           `yaml:"default"`
	Min        int           `yaml:"min"`
	Max        int           `yaml:"max"`
	MaxStreams int           `yaml:"max_streams"`
	Interval   time.Duration `yaml:"interval"`

	PendingTimeout time.Duration `yaml:"pending_timeout"`

	// Blocks scheduled per live node per round.
	WorkMultiplier int `yaml:"work_multiplier"`

	// Fraction of live nodes sent deletions per round.
	InvalidateWorkPct float64 `yaml:"invalidate_work_pct"`
}

type Heartbeat struct {
	Interval        time.Duration `yaml:"interval"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`

	// Derived: 2*RecheckInterval + 10*Interval.
	ExpireInterval time.Duration `yaml:"-"`

	StaleInterval      time.Duration `yaml:"stale_interval"`
	AvoidStaleForRead  bool          `yaml:"avoid_stale_for_read"`
	AvoidStaleForWrite bool          `yaml:"avoid_stale_for_write"`
	StaleWriteRatio    float64       `yaml:"stale_write_ratio"`
}

type Decommission struct {
	Interval         time.Duration `yaml:"interval"`
	NodesPerInterval int           `yaml:"nodes_per_interval"`
}

type SafeMode struct {
	Threshold    float64       `yaml:"threshold"`
	MinDatanodes int           `yaml:"min_datanodes"`
	Extension    time.Duration `yaml:"extension"`
}

type Lease struct {
	SoftLimit     time.Duration `yaml:"soft_limit"`
	HardLimit     time.Duration `yaml:"hard_limit"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type AccessToken struct {
	Enabled           bool          `yaml:"enabled"`
	KeyUpdateInterval time.Duration `yaml:"key_update_interval"`
	TokenLifetime     time.Duration `yaml:"token_lifetime"`
}

type Hosts struct {
	IncludeFile string `yaml:"include"`
	ExcludeFile string `yaml:"exclude"`
}

type Topology struct {
	Resolver    string            `yaml:"resolver"`
	Mapping     map[string]string `yaml:"mapping"`
	DefaultRack string            `yaml:"default_rack"`
	CacheSize   int               `yaml:"cache_size"`
}

type Placement struct {
	Policy       string `yaml:"policy"`
	ConsiderLoad bool   `yaml:"consider_load"`
}

type Config struct {
	Journal      Journal      `yaml:"journal"`
	Replication  Replication  `yaml:"replication"`
	Heartbeat    Heartbeat    `yaml:"heartbeat"`
	Decommission Decommission `yaml:"decommission"`
	SafeMode     SafeMode     `yaml:"safemode"`
	Lease        Lease        `yaml:"lease"`
	AccessToken  AccessToken  `yaml:"access_token"`
	Hosts        Hosts        `yaml:"hosts"`
	Topology     Topology     `yaml:"topology"`
	Placement    Placement    `yaml:"placement"`

	BlockSize int64 `yaml:"block_size"`

	// Deletions sent to one node per heartbeat (at least 20 per
	// heartbeat second).
	InvalidateLimit int `yaml:"invalidate_limit"`

	MaxCorruptFilesReturned int `yaml:"max_corrupt_files_returned"`

	// Blocks removed per coordinator lock hold when deleting files.
	BlockDeletionIncrement int `yaml:"block_deletion_increment"`

	// Address of the metrics endpoint ("" = disabled).
	MetricsAddress string `yaml:"metrics_address"`
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(i *int, def int) {
	if *i == 0 {
		*i = def
	}
}

func setFloat(f *float64, def float64) {
	if *f == 0 {
		*f = def
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// Init fills in defaults and derived values.
func (self Config) Init() *Config {
	j := &self.Journal
	setString(&j.Backend, "bolt")
	setString(&j.Compression, "lz4")
	setInt(&j.Iterations, 12345)

	r := &self.Replication
	setInt(&r.Default, 3)
	setInt(&r.Min, 1)
	setInt(&r.Max, 512)
	setInt(&r.MaxStreams, 2)
	setDuration(&r.Interval, 3*time.Second)
	setDuration(&r.PendingTimeout, 5*time.Minute)
	setInt(&r.WorkMultiplier, 2)
	setFloat(&r.InvalidateWorkPct, 0.32)

	h := &self.Heartbeat
	setDuration(&h.Interval, 3*time.Second)
	setDuration(&h.RecheckInterval, 5*time.Minute)
	setDuration(&h.StaleInterval, 30*time.Second)
	setFloat(&h.StaleWriteRatio, 0.5)
	h.ExpireInterval = 2*h.RecheckInterval + 10*h.Interval
	if min := 3 * h.Interval; h.StaleInterval < min {
		h.StaleInterval = min
	}
	if h.StaleInterval > h.ExpireInterval {
		mlog.Warnf("config/config", "The given interval for marking stale datanode = %v, which is larger than heartbeat expire interval %v",
			h.StaleInterval, h.ExpireInterval)
	}
	if h.AvoidStaleForWrite && h.StaleInterval < h.RecheckInterval {
		h.RecheckInterval = h.StaleInterval
		mlog.Infof("config/config", "Heartbeat recheck interval set to %v to match stale interval", h.RecheckInterval)
	}

	setDuration(&self.Decommission.Interval, 30*time.Second)
	setInt(&self.Decommission.NodesPerInterval, 5)

	setFloat(&self.SafeMode.Threshold, 0.95)

	setDuration(&self.Lease.SoftLimit, time.Minute)
	setDuration(&self.Lease.HardLimit, time.Hour)
	setDuration(&self.Lease.CheckInterval, 2*time.Second)

	setDuration(&self.AccessToken.KeyUpdateInterval, 600*time.Minute)
	setDuration(&self.AccessToken.TokenLifetime, 600*time.Minute)

	setString(&self.Topology.Resolver, "flat")
	setInt(&self.Topology.CacheSize, 1024)

	setString(&self.Placement.Policy, "default")

	if self.BlockSize == 0 {
		self.BlockSize = 64 << 20
	}
	setInt(&self.InvalidateLimit, 100)
	if min := int(20 * h.Interval / time.Second); self.InvalidateLimit < min {
		self.InvalidateLimit = min
	}
	setInt(&self.MaxCorruptFilesReturned, 500)
	setInt(&self.BlockDeletionIncrement, 1000)
	return &self
}

// Validate checks the startup invariants.
func (self *Config) Validate() error {
	r := &self.Replication
	if r.Min <= 0 {
		return fmt.Errorf("Unexpected configuration parameters: replication.min = %d must be greater than 0", r.Min)
	}
	if r.Max >= MaxReplicationLimit {
		return fmt.Errorf("Unexpected configuration parameters: replication.max = %d must be less than %d", r.Max, MaxReplicationLimit)
	}
	if r.Max < r.Min {
		return fmt.Errorf("Unexpected configuration parameters: replication.min = %d must be less than replication.max = %d", r.Min, r.Max)
	}
	if r.Default < r.Min || r.Default > r.Max {
		return fmt.Errorf("replication.default = %d must be within [%d, %d]", r.Default, r.Min, r.Max)
	}
	if ratio := self.Heartbeat.StaleWriteRatio; ratio <= 0 || ratio > 1 {
		return fmt.Errorf("heartbeat.stale_write_ratio = %v must be within (0, 1]", ratio)
	}
	if th := self.SafeMode.Threshold; th < 0 || th > 1.5 {
		return fmt.Errorf("safemode.threshold = %v must be within [0, 1.5]", th)
	}
	if self.Lease.HardLimit < self.Lease.SoftLimit {
		return fmt.Errorf("lease.hard_limit %v is below lease.soft_limit %v", self.Lease.HardLimit, self.Lease.SoftLimit)
	}
	return nil
}

// Parse reads YAML configuration, fills in defaults and validates.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	cfg := c.Init()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is Parse of the named file; "" means all defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Parse(nil)
	}
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// String dumps the effective configuration as YAML.
func (self *Config) String() string {
	b, err := yaml.Marshal(self)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
