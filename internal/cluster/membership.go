package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// NodeStatus describes a member's health
type NodeStatus string

const (
	NodeStatusHealthy NodeStatus = "healthy"
	NodeStatusLeaving NodeStatus = "leaving"
)

// NodeMeta is the health payload gossiped with each member
type NodeMeta struct {
	NodeID    string     `json:"node_id"`
	Status    NodeStatus `json:"status"`
	APIHost   string     `json:"api_host"`
	APIPort   int        `json:"api_port"`
	Timestamp int64      `json:"timestamp"`
}

// Config holds cluster membership configuration
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Membership propagates node health over a gossip mesh. The storage
// engine itself is single-writer; membership exists so a future
// replicated mode can answer NotLeader with a live peer address.
type Membership struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	meta       NodeMeta
}

// New creates the membership service and joins the seed nodes
func New(cfg *Config, nodeID, apiHost string, apiPort int, logger *zap.Logger) (*Membership, error) {
	m := &Membership{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		meta: NodeMeta{
			NodeID:    nodeID,
			Status:    NodeStatusHealthy,
			APIHost:   apiHost,
			APIPort:   apiPort,
			Timestamp: time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = m
	mlConfig.Events = &eventDelegate{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return m, nil
}

// NodeMeta implements memberlist.Delegate
func (m *Membership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(m.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (m *Membership) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (m *Membership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

// Members returns the meta of every known live member
func (m *Membership) Members() []NodeMeta {
	var out []NodeMeta
	for _, member := range m.memberlist.Members() {
		var meta NodeMeta
		if err := json.Unmarshal(member.Meta, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out
}

// LeaderHint returns the address a NotLeader response should carry.
// Until the consensus module lands every node leads its own log, so the
// hint is only meaningful when this node is leaving.
func (m *Membership) LeaderHint() (string, int, bool) {
	if m.meta.Status == NodeStatusHealthy {
		return "", 0, false
	}
	for _, meta := range m.Members() {
		if meta.NodeID != m.nodeID && meta.Status == NodeStatusHealthy {
			return meta.APIHost, meta.APIPort, true
		}
	}
	return "", 0, false
}

// Shutdown leaves the mesh
func (m *Membership) Shutdown() error {
	m.meta.Status = NodeStatusLeaving
	if err := m.memberlist.Leave(time.Second); err != nil {
		m.logger.Warn("Failed to leave gossip mesh cleanly", zap.Error(err))
	}
	return m.memberlist.Shutdown()
}

// eventDelegate logs membership changes
type eventDelegate struct {
	logger *zap.Logger
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Node joined cluster", zap.String("node", node.Name))
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Node left cluster", zap.String("node", node.Name))
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Node updated", zap.String("node", node.Name))
}
