package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Leadership decides which coordinator instance runs singleton background work
type Leadership interface {
	IsLeader() bool
}

// StandaloneLeadership is used when clustering is disabled; the only
// instance is always the leader.
type StandaloneLeadership struct{}

func (StandaloneLeadership) IsLeader() bool { return true }

// ClusterConfig holds memberlist configuration
type ClusterConfig struct {
	NodeID   string
	BindAddr string
	BindPort int
	Seeds    []string
}

// ClusterService tracks the coordinator instances through memberlist gossip.
// The alive member with the lowest name is the leader.
type ClusterService struct {
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger

	mu     sync.RWMutex
	leader bool
}

// NewClusterService creates the local member and joins the seeds
func NewClusterService(cfg ClusterConfig, logger *zap.Logger) (*ClusterService, error) {
	cs := &ClusterService{
		nodeID: cfg.NodeID,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Events = &clusterEventDelegate{service: cs}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	cs.memberlist = ml
	cs.recompute()

	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			logger.Warn("Failed to join some seed members", zap.Error(err))
		}
	}

	return cs, nil
}

// IsLeader reports whether this instance currently leads
func (s *ClusterService) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

// Members returns the names of alive members, sorted
func (s *ClusterService) Members() []string {
	members := s.memberlist.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

func (s *ClusterService) recompute() {
	leader := electLeader(s.Members())
	s.mu.Lock()
	changed := s.leader != (leader == s.nodeID)
	s.leader = leader == s.nodeID
	s.mu.Unlock()

	if changed {
		s.logger.Info("Cluster leadership changed",
			zap.String("leader", leader),
			zap.Bool("is_leader", leader == s.nodeID))
	}
}

// Shutdown leaves the cluster
func (s *ClusterService) Shutdown() error {
	return s.memberlist.Shutdown()
}

func electLeader(names []string) string {
	if len(names) == 0 {
		return ""
	}
	min := names[0]
	for _, n := range names[1:] {
		if n < min {
			min = n
		}
	}
	return min
}

type clusterEventDelegate struct {
	service *ClusterService
}

func (d *clusterEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Coordinator joined", zap.String("member", node.Name), zap.String("addr", node.Addr.String()))
	d.recompute()
}

func (d *clusterEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Coordinator left", zap.String("member", node.Name))
	d.recompute()
}

func (d *clusterEventDelegate) NotifyUpdate(node *memberlist.Node) {}

// recompute is deferred until Create has returned; the first join event
// fires before the memberlist is assigned.
func (d *clusterEventDelegate) recompute() {
	if d.service.memberlist != nil {
		go d.service.recompute()
	}
}
