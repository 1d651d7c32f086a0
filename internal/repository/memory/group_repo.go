package memory

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/pkg/metrics"
)

type group struct {
	members     map[string]struct{}
	remoteToken string
}

// GroupRepository maps group IDs to member sets.
// Re-registering a group unions members in; nothing but RemovePeerFromGroup
// ever shrinks a group.
type GroupRepository struct {
	mu     sync.RWMutex
	groups map[string]*group
	log    *zap.Logger
}

// NewGroupRepository creates an empty GroupRepository
func NewGroupRepository(log *zap.Logger) *GroupRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupRepository{
		groups: make(map[string]*group),
		log:    log,
	}
}

// RegisterGroup creates groupID or adds members to it. A non-empty creator is
// always a member afterwards.
func (r *GroupRepository) RegisterGroup(groupID string, members []string, creator string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, exists := r.groups[groupID]
	if !exists {
		g = &group{members: make(map[string]struct{}, len(members)+1)}
		r.groups[groupID] = g
		metrics.RelayRegisteredGroups.Set(float64(len(r.groups)))
	}

	for _, m := range members {
		g.members[m] = struct{}{}
	}
	if creator != "" {
		g.members[creator] = struct{}{}
	}

	r.log.Debug("Group registered",
		zap.String("group_id", groupID),
		zap.Bool("existed", exists),
		zap.Int("members", len(g.members)),
	)
}

// AttachRemoteToken sets the device group token of groupID. The token can be
// set only once.
func (r *GroupRepository) AttachRemoteToken(groupID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		r.log.Warn("Cannot attach remote token to unknown group", zap.String("group_id", groupID))
		return false
	}
	if g.remoteToken != "" {
		r.log.Warn("Remote token already set for group", zap.String("group_id", groupID))
		return false
	}
	g.remoteToken = token
	return true
}

// GetGroupMembers returns a sorted copy of the members of groupID
func (r *GroupRepository) GetGroupMembers(groupID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil, false
	}
	return sortedMembers(g), true
}

// GetGroup returns a snapshot of groupID
func (r *GroupRepository) GetGroup(groupID string) (domain.GroupRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return domain.GroupRecord{}, false
	}
	return domain.GroupRecord{
		GroupID:     groupID,
		Members:     sortedMembers(g),
		RemoteToken: g.remoteToken,
	}, true
}

// GetRemoteToken returns the device group token of groupID, if one was attached
func (r *GroupRepository) GetRemoteToken(groupID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok || g.remoteToken == "" {
		return "", false
	}
	return g.remoteToken, true
}

// AddPeerToGroup adds email to an existing group
func (r *GroupRepository) AddPeerToGroup(groupID, email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		r.log.Warn("Cannot add peer to unknown group",
			zap.String("group_id", groupID),
			zap.String("email", email))
		return false
	}
	g.members[email] = struct{}{}
	return true
}

// RemovePeerFromGroup removes email from an existing group. Removing a
// non-member is not an error.
func (r *GroupRepository) RemovePeerFromGroup(groupID, email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		r.log.Warn("Cannot remove peer from unknown group",
			zap.String("group_id", groupID),
			zap.String("email", email))
		return false
	}
	delete(g.members, email)
	return true
}

// Len returns the number of registered groups
func (r *GroupRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Reset drops every group
func (r *GroupRepository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups = make(map[string]*group)
	metrics.RelayRegisteredGroups.Set(0)
}

func sortedMembers(g *group) []string {
	out := make([]string, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
