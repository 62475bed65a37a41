package distributed

import (
	"context"
	"encoding/json"
	"time"

	"raidcore/internal/broadcast"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/session"
)

func payloadString(p broadcast.Payload, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p broadcast.Payload, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// onInvitation caches a remote announcement so local players can join.
// Re-delivery of a known instance is a no-op.
func (c *Coordinator) onInvitation(_ string, p broadcast.Payload) {
	instanceID := payloadString(p, "instance_id")
	origin := payloadString(p, "origin_server")
	if instanceID == "" || origin == "" || origin == c.deps.ServerID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.instances[instanceID]; known {
		return
	}
	created, _ := time.Parse(time.RFC3339, payloadString(p, "created_at"))
	c.instances[instanceID] = &instance{state: domain.DistributedSession{
		InstanceID:   instanceID,
		DefinitionID: payloadString(p, "definition_id"),
		OriginServer: origin,
		Status:       domain.DistributedWaiting,
		Participants: map[string][]domain.Participant{},
		CreatedAt:    created,
	}}
	c.log.Debug().Str("instance", instanceID).Str("origin", origin).Msg("invitation received")
}

// onJoin persists a remote contingent. Only the origin writes the store;
// member rows are keyed by player so redelivery is harmless.
func (c *Coordinator) onJoin(_ string, p broadcast.Payload) {
	instanceID := payloadString(p, "instance_id")
	serverID := payloadString(p, "server_id")
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	origin := ok && c.isOrigin(inst)
	joinable := ok && inst.state.Status == domain.DistributedWaiting
	c.mu.Unlock()
	if !origin || !joinable || serverID == c.deps.ServerID {
		return
	}
	var ps []domain.Participant
	if err := json.Unmarshal([]byte(payloadString(p, "participants")), &ps); err != nil || len(ps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.persistJoin(ctx, instanceID, serverID, ps); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("join persist failed")
		return
	}
	c.cacheJoin(instanceID, serverID, ps)
	c.log.Debug().Str("instance", instanceID).Str("from", serverID).Int("contingent", len(ps)).Msg("contingent joined")
}

// onStart arms the synchronized local segment. The origin receives its
// own broadcast too; startArmed keeps redelivery from double-starting.
func (c *Coordinator) onStart(_ string, p broadcast.Payload) {
	instanceID := payloadString(p, "instance_id")
	definitionID := payloadString(p, "definition_id")
	startAt, err := time.Parse(time.RFC3339, payloadString(p, "start_at"))
	if err != nil {
		return
	}
	var members map[string][]domain.Participant
	if err := json.Unmarshal([]byte(payloadString(p, "participants")), &members); err != nil {
		return
	}
	total := payloadInt(p, "total")
	mine := members[c.deps.ServerID]

	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok || inst.startArmed || inst.state.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	inst.startArmed = true
	inst.state.Status = domain.DistributedReady
	inst.state.StartAt = startAt
	inst.state.Participants = members
	if inst.poll != nil {
		inst.poll.Cancel()
		inst.poll = nil
	}
	c.mu.Unlock()

	if len(mine) == 0 {
		return
	}
	def, ok := c.deps.Catalog.Get(definitionID)
	if !ok {
		c.log.Error().Str("instance", instanceID).Str("definition", definitionID).Msg("start for unknown definition")
		return
	}
	delay := time.Until(startAt)
	c.deps.Loop.Submit(func() {
		c.deps.Loop.After(c.deps.Loop.Ticks(delay), func() {
			c.startSegment(instanceID, def, mine, total)
		})
	})
	c.log.Info().Str("instance", instanceID).Time("start_at", startAt).Int("contingent", len(mine)).Msg("segment start armed")
}

// startSegment runs on the loop at the shared start time.
func (c *Coordinator) startSegment(instanceID string, def domain.ActivityDefinition, mine []domain.Participant, total int) {
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok || inst.state.Status.Terminal() || inst.localSessionID != "" {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	s := c.deps.Orchestrator.StartSegment(def, mine, total)
	if s == nil {
		c.log.Error().Str("instance", instanceID).Msg("segment start produced no session")
		return
	}

	c.mu.Lock()
	inst.localSessionID = s.ID
	inst.state.Status = domain.DistributedActive
	origin := c.isOrigin(inst)
	inst.sync = c.deps.Loop.Every(c.deps.Loop.Ticks(c.deps.SyncInterval), func() {
		c.syncTick(instanceID)
	})
	c.mu.Unlock()

	if origin {
		go c.markActive(instanceID)
	}
}

func (c *Coordinator) markActive(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nowStr := c.now().UTC().Format(time.RFC3339)
	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("activate tx failed")
		return
	}
	defer tx.Rollback()
	if err := c.deps.Repo.UpdateInstanceStatusTx(ctx, tx, instanceID, domain.DistributedActive, nowStr); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("activate failed")
		return
	}
	if err := c.deps.Events.Append(ctx, tx, events.TypeDistributedStarted, "instance", instanceID, nil); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("activate event failed")
		return
	}
	if err := tx.Commit(); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("activate commit failed")
	}
}

// syncTick runs on the loop each sync interval and reports this server's
// segment progress over the fabric.
func (c *Coordinator) syncTick(instanceID string) {
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok || inst.localSessionID == "" || inst.state.Status.Terminal() {
		if ok && inst.sync != nil {
			inst.sync.Cancel()
			inst.sync = nil
		}
		c.mu.Unlock()
		return
	}
	localID := inst.localSessionID
	c.mu.Unlock()

	s := c.deps.Orchestrator.GetSession(localID)
	if s == nil {
		return
	}
	prog := s.Progress()
	payload := broadcast.Payload{
		"instance_id":  instanceID,
		"server_id":    c.deps.ServerID,
		"phase":        string(s.State),
		"objectives":   prog.ObjectivesDone,
		"contribution": prog.ObjectivesDone + prog.KillCount,
	}
	go func() {
		if err := c.deps.Channel.Publish(broadcast.KindSync, payload); err != nil {
			c.log.Error().Err(err).Str("instance", instanceID).Msg("sync publish failed")
		}
	}()
}

// onSync persists progress reports on the origin. Reports are upserts
// keyed by server, so stale redelivery just rewrites the same row.
func (c *Coordinator) onSync(_ string, p broadcast.Payload) {
	instanceID := payloadString(p, "instance_id")
	serverID := payloadString(p, "server_id")
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	origin := ok && c.isOrigin(inst)
	if ok {
		if inst.state.Contributions == nil {
			inst.state.Contributions = map[string]int{}
		}
		inst.state.Contributions[serverID] = payloadInt(p, "contribution")
	}
	c.mu.Unlock()
	if !origin {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("sync tx failed")
		return
	}
	defer tx.Rollback()
	err = c.deps.Repo.UpsertSyncTx(ctx, tx, instanceID, serverID,
		payloadString(p, "phase"), payloadInt(p, "objectives"), payloadInt(p, "contribution"),
		c.now().UTC().Format(time.RFC3339))
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("sync persist failed")
		return
	}
	if err := tx.Commit(); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("sync commit failed")
	}
}

// onEnd tears down the local segment when the origin declares the
// instance over.
func (c *Coordinator) onEnd(_ string, p broadcast.Payload) {
	instanceID := payloadString(p, "instance_id")
	status, err := domain.ParseDistributedStatus(payloadString(p, "status"))
	if err != nil {
		return
	}
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	ours := ok && !c.isOrigin(inst) && !inst.state.Status.Terminal()
	c.mu.Unlock()
	if !ours {
		return
	}
	result := domain.ResultFailure
	switch payloadString(p, "result") {
	case domain.ResultSuccess.String():
		result = domain.ResultSuccess
	case domain.ResultServerShutdown.String():
		result = domain.ResultServerShutdown
	case domain.ResultTimeout.String():
		result = domain.ResultTimeout
	}
	c.releaseLocal(instanceID, status, result)
}

// onLocalSessionEnd fires on the loop whenever any session finishes. If
// the session was a segment of an instance this server originated, the
// whole instance is finalized with the segment's result.
func (c *Coordinator) onLocalSessionEnd(s *session.Session) {
	c.mu.Lock()
	var inst *instance
	for _, cand := range c.instances {
		if cand.localSessionID == s.ID {
			inst = cand
			break
		}
	}
	if inst == nil || inst.state.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if inst.sync != nil {
		inst.sync.Cancel()
		inst.sync = nil
	}
	origin := c.isOrigin(inst)
	instanceID := inst.state.InstanceID
	if !origin {
		inst.state.Status = domain.DistributedCompleted
		if s.Result != domain.ResultSuccess {
			inst.state.Status = domain.DistributedFailed
		}
	}
	c.mu.Unlock()

	if !origin {
		return
	}
	status := domain.DistributedCompleted
	if s.Result != domain.ResultSuccess {
		status = domain.DistributedFailed
	}
	result := s.Result
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.finalize(ctx, instanceID, status, result)
	}()
}
