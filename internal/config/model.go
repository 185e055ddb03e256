package config

import (
	"fmt"
	"time"

	"rangekv/internal/apply"
	"rangekv/internal/backup"
	"rangekv/internal/peer"
)

// ServerConfig is the top-level yaml model for a rangekv store server.
type ServerConfig struct {
	StoreID uint64        `yaml:"storeID"`
	Data    DataConfig    `yaml:"data"`
	Raft    RaftConfig    `yaml:"raft"`
	Region  RegionConfig  `yaml:"region"`
	Apply   ApplyConfig   `yaml:"apply"`
	Backup  BackupConfig  `yaml:"backup"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type DataConfig struct {
	// Dir is the root data directory. The engine, raft log, and snapshot
	// staging directories live under it.
	Dir string `yaml:"dir"`
}

type RaftConfig struct {
	TickIntervalMs  int    `yaml:"tickIntervalMs"`
	ElectionTick    int    `yaml:"electionTick"`
	HeartbeatTick   int    `yaml:"heartbeatTick"`
	MaxSizePerMsg   uint64 `yaml:"maxSizePerMsg"`
	MaxInflightMsgs int    `yaml:"maxInflightMsgs"`
	// LogRetain is how many applied entries stay in the raft log ahead of
	// the truncation point for slow followers to catch up from.
	LogRetain uint64 `yaml:"logRetain"`
}

type RegionConfig struct {
	MaxSizeBytes         uint64 `yaml:"maxSizeBytes"`
	MaxKeys              uint64 `yaml:"maxKeys"`
	SplitCheckIntervalMs int    `yaml:"splitCheckIntervalMs"`
	LearnerPromotionGap  uint64 `yaml:"learnerPromotionGap"`
}

type ApplyConfig struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queueDepth"`
}

type BackupConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxSegmentBytes   uint64 `yaml:"maxSegmentBytes"`
	MaxSegmentEntries int    `yaml:"maxSegmentEntries"`
	SealIntervalMs    int    `yaml:"sealIntervalMs"`
	CompactIntervalMs int    `yaml:"compactIntervalMs"`
	// ObjectStoreDir, when set, receives sealed segments as a local
	// stand-in for a remote bucket.
	ObjectStoreDir string `yaml:"objectStoreDir"`
}

type GRPCConfig struct {
	// Address serves both the client KV API and inter-store raft traffic.
	Address string `yaml:"address"`
	// MetricsAddress serves /metrics over plain HTTP. Empty disables it.
	MetricsAddress string `yaml:"metricsAddress"`
}

type ClusterConfig struct {
	PDAddress string `yaml:"pdAddress"`
	Replicas  int    `yaml:"replicas"`
}

// Default returns the configuration used when a field is left zero.
func Default() ServerConfig {
	return ServerConfig{
		Data: DataConfig{Dir: "data"},
		Raft: RaftConfig{
			TickIntervalMs:  100,
			ElectionTick:    10,
			HeartbeatTick:   2,
			MaxSizePerMsg:   1 << 20,
			MaxInflightMsgs: 256,
			LogRetain:       10000,
		},
		Region: RegionConfig{
			MaxSizeBytes:         96 << 20,
			MaxKeys:              960000,
			SplitCheckIntervalMs: 10000,
			LearnerPromotionGap:  256,
		},
		Apply:  ApplyConfig{Workers: 4, QueueDepth: 256},
		Backup: BackupConfig{SealIntervalMs: 60000, CompactIntervalMs: 300000},
		GRPC:   GRPCConfig{Address: "127.0.0.1:20160"},
		Cluster: ClusterConfig{
			Replicas: 3,
		},
	}
}

// Normalize fills zero fields from defaults and validates the result.
func (c *ServerConfig) Normalize() error {
	def := Default()
	if c.Data.Dir == "" {
		c.Data.Dir = def.Data.Dir
	}
	if c.Raft.TickIntervalMs == 0 {
		c.Raft.TickIntervalMs = def.Raft.TickIntervalMs
	}
	if c.Raft.ElectionTick == 0 {
		c.Raft.ElectionTick = def.Raft.ElectionTick
	}
	if c.Raft.HeartbeatTick == 0 {
		c.Raft.HeartbeatTick = def.Raft.HeartbeatTick
	}
	if c.Raft.MaxSizePerMsg == 0 {
		c.Raft.MaxSizePerMsg = def.Raft.MaxSizePerMsg
	}
	if c.Raft.MaxInflightMsgs == 0 {
		c.Raft.MaxInflightMsgs = def.Raft.MaxInflightMsgs
	}
	if c.Raft.LogRetain == 0 {
		c.Raft.LogRetain = def.Raft.LogRetain
	}
	if c.Region.MaxSizeBytes == 0 {
		c.Region.MaxSizeBytes = def.Region.MaxSizeBytes
	}
	if c.Region.MaxKeys == 0 {
		c.Region.MaxKeys = def.Region.MaxKeys
	}
	if c.Region.SplitCheckIntervalMs == 0 {
		c.Region.SplitCheckIntervalMs = def.Region.SplitCheckIntervalMs
	}
	if c.Region.LearnerPromotionGap == 0 {
		c.Region.LearnerPromotionGap = def.Region.LearnerPromotionGap
	}
	if c.Apply.Workers == 0 {
		c.Apply.Workers = def.Apply.Workers
	}
	if c.Apply.QueueDepth == 0 {
		c.Apply.QueueDepth = def.Apply.QueueDepth
	}
	if c.Backup.SealIntervalMs == 0 {
		c.Backup.SealIntervalMs = def.Backup.SealIntervalMs
	}
	if c.Backup.CompactIntervalMs == 0 {
		c.Backup.CompactIntervalMs = def.Backup.CompactIntervalMs
	}
	if c.GRPC.Address == "" {
		c.GRPC.Address = def.GRPC.Address
	}
	if c.Cluster.Replicas == 0 {
		c.Cluster.Replicas = def.Cluster.Replicas
	}

	if c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
		return fmt.Errorf("electionTick (%d) must exceed heartbeatTick (%d)",
			c.Raft.ElectionTick, c.Raft.HeartbeatTick)
	}
	if c.Backup.Enabled && c.Backup.Dir == "" {
		return fmt.Errorf("backup enabled without backup dir")
	}
	return nil
}

// TickInterval converts the configured tick period.
func (c *ServerConfig) TickInterval() time.Duration {
	return time.Duration(c.Raft.TickIntervalMs) * time.Millisecond
}

// PeerConfig assembles the per-peer raft tuning.
func (c *ServerConfig) PeerConfig() peer.Config {
	return peer.Config{
		StoreID:             c.StoreID,
		ElectionTick:        c.Raft.ElectionTick,
		HeartbeatTick:       c.Raft.HeartbeatTick,
		MaxSizePerMsg:       c.Raft.MaxSizePerMsg,
		MaxInflightMsgs:     c.Raft.MaxInflightMsgs,
		LearnerPromotionGap: c.Region.LearnerPromotionGap,
	}
}

// ApplierConfig assembles the apply pool sizing.
func (c *ServerConfig) ApplierConfig() apply.Config {
	return apply.Config{Workers: c.Apply.Workers, QueueDepth: c.Apply.QueueDepth}
}

// BackupEngineConfig assembles the backup sealing thresholds.
func (c *ServerConfig) BackupEngineConfig() backup.Config {
	return backup.Config{
		MaxSegmentBytes:   c.Backup.MaxSegmentBytes,
		MaxSegmentEntries: c.Backup.MaxSegmentEntries,
	}
}
