// Package distributed coordinates raids spanning several game servers.
// The originating server owns the authoritative store rows; every other
// server works from broadcast messages and keeps a read-mostly replica.
// Delivery is assumed at-least-once and unordered, so every message
// handler is idempotent keyed by instance id.
package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"raidcore/internal/broadcast"
	"raidcore/internal/catalog"
	"raidcore/internal/domain"
	"raidcore/internal/events"
	"raidcore/internal/loop"
	"raidcore/internal/orchestrator"
	"raidcore/internal/repo"
)

// Deps wires a Coordinator.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Catalog      *catalog.Catalog
	Loop         *loop.Loop
	Repo         repo.Repo
	Events       events.Writer
	Channel      broadcast.Channel
	ServerID     string
	Now          func() time.Time
	Log          zerolog.Logger

	ReadinessPoll time.Duration
	SyncInterval  time.Duration
	StartDelay    time.Duration
}

type instance struct {
	state          domain.DistributedSession
	localSessionID string
	startArmed     bool
	poll           *loop.Handle
	sync           *loop.Handle
}

// Coordinator tracks the cross-server instances this server participates
// in. Unlike the session registry, coordinator state is mutex-guarded:
// its operations block on store and fabric I/O, so they run off-loop and
// only hop onto the loop to touch sessions.
type Coordinator struct {
	deps Deps
	now  func() time.Time
	log  zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

func New(deps Deps) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ReadinessPoll <= 0 {
		deps.ReadinessPoll = 5 * time.Second
	}
	if deps.SyncInterval <= 0 {
		deps.SyncInterval = 10 * time.Second
	}
	if deps.StartDelay <= 0 {
		deps.StartDelay = 15 * time.Second
	}
	c := &Coordinator{
		deps:      deps,
		now:       deps.Now,
		log:       deps.Log.With().Str("server", deps.ServerID).Logger(),
		instances: make(map[string]*instance),
	}
	deps.Channel.Subscribe(broadcast.KindInvitation, c.onInvitation)
	deps.Channel.Subscribe(broadcast.KindJoin, c.onJoin)
	deps.Channel.Subscribe(broadcast.KindStart, c.onStart)
	deps.Channel.Subscribe(broadcast.KindEnd, c.onEnd)
	deps.Channel.Subscribe(broadcast.KindSync, c.onSync)
	deps.Orchestrator.SetEndObserver(c.onLocalSessionEnd)
	return c
}

func (c *Coordinator) isOrigin(inst *instance) bool {
	return inst.state.OriginServer == c.deps.ServerID
}

// StartDistributedRaid announces a new cross-server instance with this
// server's contingent and begins polling for quorum. The instance waits
// in waiting_for_participants until enough players across enough servers
// have joined.
func (c *Coordinator) StartDistributedRaid(ctx context.Context, definitionID string, participants []domain.Participant) (domain.DistributedSession, error) {
	const op = "start_distributed_raid"
	var zero domain.DistributedSession

	def, ok := c.deps.Catalog.Get(definitionID)
	if !ok {
		return zero, validationErr(op, "unknown definition %q", definitionID)
	}
	if def.MinServers < 1 {
		return zero, validationErr(op, "definition %q is not a cross-server raid", definitionID)
	}
	if len(participants) == 0 {
		return zero, validationErr(op, "empty contingent")
	}
	c.mu.Lock()
	for _, other := range c.instances {
		if other.state.Status.Terminal() {
			continue
		}
		for _, p := range participants {
			if other.state.HasParticipant(p.ID) {
				c.mu.Unlock()
				return zero, validationErr(op, "participant %s already in instance %s", p.ID, other.state.InstanceID)
			}
		}
	}
	c.mu.Unlock()

	now := c.now()
	st := domain.DistributedSession{
		InstanceID:   uuid.NewString(),
		DefinitionID: def.ID,
		OriginServer: c.deps.ServerID,
		Status:       domain.DistributedWaiting,
		Participants: map[string][]domain.Participant{c.deps.ServerID: participants},
		CreatedAt:    now,
	}

	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, storeErr(op, err)
	}
	defer tx.Rollback()
	if err := c.deps.Repo.InsertInstanceTx(ctx, tx, st); err != nil {
		return zero, storeErr(op, err)
	}
	for _, p := range participants {
		if err := c.deps.Repo.InsertMemberTx(ctx, tx, st.InstanceID, c.deps.ServerID, now.UTC().Format(time.RFC3339), p); err != nil {
			return zero, storeErr(op, err)
		}
	}
	err = c.deps.Events.Append(ctx, tx, events.TypeDistributedCreated, "instance", st.InstanceID, events.EventPayload{
		"definition": def.ID,
		"contingent": len(participants),
	})
	if err != nil {
		return zero, storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, storeErr(op, err)
	}

	inst := &instance{state: st}
	c.mu.Lock()
	c.instances[st.InstanceID] = inst
	c.mu.Unlock()
	c.armReadinessPoll(inst)

	c.log.Info().Str("instance", st.InstanceID).Str("definition", def.ID).Msg("cross-server raid announced")
	err = c.deps.Channel.Publish(broadcast.KindInvitation, broadcast.Payload{
		"instance_id":        st.InstanceID,
		"definition_id":      def.ID,
		"origin_server":      c.deps.ServerID,
		"min_servers":        def.MinServers,
		"min_participants":   def.MinParticipants,
		"remaining_slots":    def.MaxRoster - len(participants),
		"time_limit_seconds": def.TimeLimit,
		"created_at":         now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return st, networkErr(op, err)
	}
	return st, nil
}

// JoinDistributedRaid adds this server's contingent to a known instance.
// On the origin the join is persisted directly; elsewhere it is relayed
// over the fabric. Joining twice with the same players is a no-op.
func (c *Coordinator) JoinDistributedRaid(ctx context.Context, instanceID string, participants []domain.Participant) error {
	const op = "join_distributed_raid"
	if len(participants) == 0 {
		return validationErr(op, "empty contingent")
	}
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok {
		c.mu.Unlock()
		return validationErr(op, "unknown instance %q", instanceID)
	}
	if inst.state.Status != domain.DistributedWaiting {
		c.mu.Unlock()
		return validationErr(op, "instance %s is %s, not joinable", instanceID, inst.state.Status)
	}
	fresh := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		if !inst.state.HasParticipant(p.ID) {
			fresh = append(fresh, p)
		}
	}
	origin := c.isOrigin(inst)
	c.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	if origin {
		if err := c.persistJoin(ctx, instanceID, c.deps.ServerID, fresh); err != nil {
			return storeErr(op, err)
		}
		c.cacheJoin(instanceID, c.deps.ServerID, fresh)
		return nil
	}

	data, err := json.Marshal(fresh)
	if err != nil {
		return validationErr(op, "encode contingent: %v", err)
	}
	c.cacheJoin(instanceID, c.deps.ServerID, fresh)
	err = c.deps.Channel.Publish(broadcast.KindJoin, broadcast.Payload{
		"instance_id":  instanceID,
		"server_id":    c.deps.ServerID,
		"participants": string(data),
	})
	if err != nil {
		return networkErr(op, err)
	}
	return nil
}

func (c *Coordinator) persistJoin(ctx context.Context, instanceID, serverID string, ps []domain.Participant) error {
	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	joinedAt := c.now().UTC().Format(time.RFC3339)
	for _, p := range ps {
		if err := c.deps.Repo.InsertMemberTx(ctx, tx, instanceID, serverID, joinedAt, p); err != nil {
			return err
		}
	}
	err = c.deps.Events.Append(ctx, tx, events.TypeDistributedJoined, "instance", instanceID, events.EventPayload{
		"server":     serverID,
		"contingent": len(ps),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) cacheJoin(instanceID, serverID string, ps []domain.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[instanceID]
	if !ok {
		return
	}
	if inst.state.Participants == nil {
		inst.state.Participants = map[string][]domain.Participant{}
	}
	for _, p := range ps {
		if !inst.state.HasParticipant(p.ID) {
			inst.state.Participants[serverID] = append(inst.state.Participants[serverID], p)
		}
	}
}

// ForceStart attempts to begin an instance immediately instead of
// waiting for the next readiness poll. Only the origin may force a
// start, and quorum still has to hold.
func (c *Coordinator) ForceStart(ctx context.Context, instanceID string) error {
	const op = "force_start"
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok {
		c.mu.Unlock()
		return validationErr(op, "unknown instance %q", instanceID)
	}
	if !c.isOrigin(inst) {
		c.mu.Unlock()
		return validationErr(op, "instance %s is owned by %s", instanceID, inst.state.OriginServer)
	}
	if inst.state.Status != domain.DistributedWaiting {
		c.mu.Unlock()
		return validationErr(op, "instance %s is %s", instanceID, inst.state.Status)
	}
	c.mu.Unlock()

	st, err := c.deps.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return storeErr(op, err)
	}
	def, ok := c.deps.Catalog.Get(st.DefinitionID)
	if !ok {
		return validationErr(op, "unknown definition %q", st.DefinitionID)
	}
	if !st.QuorumMet(def) {
		return quorumErr(op, "have %d participants on %d servers, need %d on %d",
			st.TotalParticipants(), st.ServerCount(), def.MinParticipants, def.MinServers)
	}
	return c.initiateStart(ctx, st, def)
}

// GetInstance returns the authoritative view of an instance.
func (c *Coordinator) GetInstance(ctx context.Context, instanceID string) (domain.DistributedSession, error) {
	const op = "get_instance"
	st, err := c.deps.Repo.GetInstance(ctx, instanceID)
	if err == repo.ErrNotFound {
		return st, validationErr(op, "unknown instance %q", instanceID)
	}
	if err != nil {
		return st, storeErr(op, err)
	}
	return st, nil
}

// Statistics is the cross-server aggregate view: instance counts by
// status, participants and contribution totals per server from the
// shared tables, plus how many non-terminal instances this server is
// tracking in memory.
type Statistics struct {
	repo.CrossServerStats
	TrackedInstances int `json:"tracked_instances"`
}

func (c *Coordinator) Statistics(ctx context.Context) (Statistics, error) {
	const op = "cross_server_statistics"
	store, err := c.deps.Repo.GetCrossServerStats(ctx)
	if err != nil {
		return Statistics{}, storeErr(op, err)
	}
	c.mu.Lock()
	tracked := 0
	for _, inst := range c.instances {
		if !inst.state.Status.Terminal() {
			tracked++
		}
	}
	c.mu.Unlock()
	return Statistics{CrossServerStats: store, TrackedInstances: tracked}, nil
}

func (c *Coordinator) armReadinessPoll(inst *instance) {
	id := inst.state.InstanceID
	c.deps.Loop.Submit(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if inst.poll != nil || inst.state.Status != domain.DistributedWaiting {
			return
		}
		inst.poll = c.deps.Loop.Every(c.deps.Loop.Ticks(c.deps.ReadinessPoll), func() {
			go c.pollReadiness(id)
		})
	})
}

func (c *Coordinator) pollReadiness(instanceID string) {
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok || !c.isOrigin(inst) || inst.state.Status != domain.DistributedWaiting {
		if ok && inst.poll != nil {
			inst.poll.Cancel()
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := c.deps.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("readiness poll load failed")
		return
	}
	c.mu.Lock()
	if cur, ok := c.instances[instanceID]; ok && cur.state.Status == domain.DistributedWaiting {
		cur.state.Participants = st.Participants
		cur.state.Contributions = st.Contributions
	}
	c.mu.Unlock()

	def, ok := c.deps.Catalog.Get(st.DefinitionID)
	if !ok {
		return
	}
	if !st.QuorumMet(def) {
		return
	}
	if err := c.initiateStart(ctx, st, def); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("start initiation failed")
	}
}

// initiateStart runs on the origin once quorum holds: it stamps the
// shared start time, flips the instance to ready, and broadcasts the
// start order to every contributing server.
func (c *Coordinator) initiateStart(ctx context.Context, st domain.DistributedSession, def domain.ActivityDefinition) error {
	const op = "initiate_start"
	startAt := c.now().Add(c.deps.StartDelay).UTC()
	nowStr := c.now().UTC().Format(time.RFC3339)

	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()
	if err := c.deps.Repo.UpdateInstanceStatusTx(ctx, tx, st.InstanceID, domain.DistributedReady, nowStr); err != nil {
		return storeErr(op, err)
	}
	if err := c.deps.Repo.SetInstanceStartTx(ctx, tx, st.InstanceID, startAt.Format(time.RFC3339), nowStr); err != nil {
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}

	c.mu.Lock()
	if inst, ok := c.instances[st.InstanceID]; ok {
		inst.state.Status = domain.DistributedReady
		inst.state.StartAt = startAt
		if inst.poll != nil {
			inst.poll.Cancel()
			inst.poll = nil
		}
	}
	c.mu.Unlock()

	members, err := json.Marshal(st.Participants)
	if err != nil {
		return validationErr(op, "encode members: %v", err)
	}
	c.log.Info().Str("instance", st.InstanceID).Time("start_at", startAt).
		Int("participants", st.TotalParticipants()).Int("servers", st.ServerCount()).
		Msg("quorum reached")
	err = c.deps.Channel.Publish(broadcast.KindStart, broadcast.Payload{
		"instance_id":   st.InstanceID,
		"definition_id": st.DefinitionID,
		"origin_server": st.OriginServer,
		"start_at":      startAt.Format(time.RFC3339),
		"total":         st.TotalParticipants(),
		"participants":  string(members),
	})
	if err != nil {
		return networkErr(op, err)
	}
	return nil
}

// Shutdown cancels every non-terminal instance this server originated
// and releases local segments. Remote servers learn about it from the
// end broadcast.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var open []*instance
	for _, inst := range c.instances {
		if !inst.state.Status.Terminal() {
			open = append(open, inst)
		}
	}
	c.mu.Unlock()

	for _, inst := range open {
		if c.isOrigin(inst) {
			c.finalize(ctx, inst.state.InstanceID, domain.DistributedCancelled, domain.ResultServerShutdown)
		} else {
			c.releaseLocal(inst.state.InstanceID, domain.DistributedCancelled, domain.ResultServerShutdown)
		}
	}
}

// Resume rebuilds coordinator state from the store after a restart.
// Waiting instances pick their readiness polls back up; instances that
// were mid-flight lost their sessions and are failed.
func (c *Coordinator) Resume(ctx context.Context) error {
	open, err := c.deps.Repo.ListOpenInstances(ctx, c.deps.ServerID)
	if err != nil {
		return storeErr("resume", err)
	}
	for _, st := range open {
		inst := &instance{state: st}
		c.mu.Lock()
		c.instances[st.InstanceID] = inst
		c.mu.Unlock()
		switch st.Status {
		case domain.DistributedWaiting:
			c.armReadinessPoll(inst)
			c.log.Info().Str("instance", st.InstanceID).Msg("resumed waiting instance")
		default:
			c.finalize(ctx, st.InstanceID, domain.DistributedFailed, domain.ResultServerShutdown)
			c.log.Warn().Str("instance", st.InstanceID).Str("was", string(st.Status)).Msg("failed unrecoverable instance")
		}
	}
	return nil
}

// finalize is the origin-side terminal path: persist the terminal
// status, end the local segment, and broadcast the end order.
func (c *Coordinator) finalize(ctx context.Context, instanceID string, status domain.DistributedStatus, result domain.Result) {
	nowStr := c.now().UTC().Format(time.RFC3339)
	tx, err := c.deps.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("finalize tx failed")
		return
	}
	defer tx.Rollback()
	if err := c.deps.Repo.UpdateInstanceStatusTx(ctx, tx, instanceID, status, nowStr); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("finalize status failed")
		return
	}
	err = c.deps.Events.Append(ctx, tx, events.TypeDistributedEnded, "instance", instanceID, events.EventPayload{
		"status": string(status),
		"result": result.String(),
	})
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("finalize event failed")
		return
	}
	if err := tx.Commit(); err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("finalize commit failed")
		return
	}

	c.releaseLocal(instanceID, status, result)
	err = c.deps.Channel.Publish(broadcast.KindEnd, broadcast.Payload{
		"instance_id": instanceID,
		"status":      string(status),
		"result":      result.String(),
	})
	if err != nil {
		c.log.Error().Err(err).Str("instance", instanceID).Msg("end broadcast failed")
	}
}

// releaseLocal tears down this server's share of an instance: marks the
// cached state terminal, stops timers, and ends the local segment if it
// is still running.
func (c *Coordinator) releaseLocal(instanceID string, status domain.DistributedStatus, result domain.Result) {
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok {
		c.mu.Unlock()
		return
	}
	inst.state.Status = status
	if inst.poll != nil {
		inst.poll.Cancel()
		inst.poll = nil
	}
	if inst.sync != nil {
		inst.sync.Cancel()
		inst.sync = nil
	}
	localID := inst.localSessionID
	c.mu.Unlock()

	if localID != "" {
		c.deps.Loop.Submit(func() {
			c.deps.Orchestrator.EndRaid(localID, result)
		})
	}
}
