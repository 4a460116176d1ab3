package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/roostlabs/roost/pkg/api"
	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/scheduler"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// gateway is the thin wire layer: it decodes JSON requests, extracts the
// session credential from headers, and dispatches into the RPC service.
// Each handler is one entry in the dispatch table; no logic lives here.
type gateway struct {
	service *api.Service
	ops     map[string]func(*api.SessionKey, json.RawMessage) *api.Response
}

type jobRequest struct {
	Job       *types.JobConfiguration
	LockToken *types.Lock
}

type killRequest struct {
	Query     storage.TaskQuery
	LockToken *types.Lock
}

type restartRequest struct {
	Key         types.JobKey
	InstanceIDs []int
	LockToken   *types.Lock
}

type addInstancesRequest struct {
	Key         types.JobKey
	InstanceIDs []int
	Task        *types.TaskConfig
	LockToken   *types.Lock
}

type lockRequest struct {
	Key        types.LockKey
	Lock       *types.Lock
	Validation api.LockValidation
}

type quotaRequest struct {
	Role      string
	Resources types.Resources
}

type hostsRequest struct {
	Hosts []string
}

type forceStateRequest struct {
	TaskID string
	Status types.ScheduleStatus
}

type recoveryRequest struct {
	BackupID string
	Query    storage.TaskQuery
}

type rewriteRequest struct {
	Rewrites map[string]*types.TaskConfig
}

func newGateway(service *api.Service) *gateway {
	g := &gateway{service: service}
	g.ops = map[string]func(*api.SessionKey, json.RawMessage) *api.Response{
		"createJob": decode(func(s *api.SessionKey, r jobRequest) *api.Response {
			return service.CreateJob(s, r.Job, r.LockToken)
		}),
		"replaceCronTemplate": decode(func(s *api.SessionKey, r jobRequest) *api.Response {
			return service.ReplaceCronTemplate(s, r.Job, r.LockToken)
		}),
		"populateJobConfig": decode(func(s *api.SessionKey, r jobRequest) *api.Response {
			return service.PopulateJobConfig(r.Job)
		}),
		"startCronJob": decode(func(s *api.SessionKey, r restartRequest) *api.Response {
			return service.StartCronJob(s, r.Key)
		}),
		"getTasksStatus": decode(func(s *api.SessionKey, r killRequest) *api.Response {
			return service.GetTasksStatus(r.Query)
		}),
		"getJobs": decode(func(s *api.SessionKey, r quotaRequest) *api.Response {
			return service.GetJobs(r.Role)
		}),
		"getRoleSummary": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.GetRoleSummary()
		}),
		"getQuota": decode(func(s *api.SessionKey, r quotaRequest) *api.Response {
			return service.GetQuota(r.Role)
		}),
		"setQuota": decode(func(s *api.SessionKey, r quotaRequest) *api.Response {
			return service.SetQuota(s, r.Role, r.Resources)
		}),
		"killTasks": decode(func(s *api.SessionKey, r killRequest) *api.Response {
			return service.KillTasks(s, r.Query, r.LockToken)
		}),
		"restartShards": decode(func(s *api.SessionKey, r restartRequest) *api.Response {
			return service.RestartShards(s, r.Key, r.InstanceIDs, r.LockToken)
		}),
		"addInstances": decode(func(s *api.SessionKey, r addInstancesRequest) *api.Response {
			return service.AddInstances(s, r.Key, r.InstanceIDs, r.Task, r.LockToken)
		}),
		"acquireLock": decode(func(s *api.SessionKey, r lockRequest) *api.Response {
			return service.AcquireLock(s, r.Key)
		}),
		"releaseLock": decode(func(s *api.SessionKey, r lockRequest) *api.Response {
			return service.ReleaseLock(s, r.Lock, r.Validation)
		}),
		"forceTaskState": decode(func(s *api.SessionKey, r forceStateRequest) *api.Response {
			return service.ForceTaskState(s, r.TaskID, r.Status)
		}),
		"startMaintenance": decode(func(s *api.SessionKey, r hostsRequest) *api.Response {
			return service.StartMaintenance(s, r.Hosts)
		}),
		"drainHosts": decode(func(s *api.SessionKey, r hostsRequest) *api.Response {
			return service.DrainHosts(s, r.Hosts)
		}),
		"maintenanceStatus": decode(func(s *api.SessionKey, r hostsRequest) *api.Response {
			return service.MaintenanceStatus(s, r.Hosts)
		}),
		"endMaintenance": decode(func(s *api.SessionKey, r hostsRequest) *api.Response {
			return service.EndMaintenance(s, r.Hosts)
		}),
		"performBackup": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.PerformBackup(s)
		}),
		"listBackups": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.ListBackups(s)
		}),
		"stageRecovery": decode(func(s *api.SessionKey, r recoveryRequest) *api.Response {
			return service.StageRecovery(s, r.BackupID)
		}),
		"queryRecovery": decode(func(s *api.SessionKey, r recoveryRequest) *api.Response {
			return service.QueryRecovery(s, r.Query)
		}),
		"deleteRecoveryTasks": decode(func(s *api.SessionKey, r recoveryRequest) *api.Response {
			return service.DeleteRecoveryTasks(s, r.Query)
		}),
		"commitRecovery": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.CommitRecovery(s)
		}),
		"unloadRecovery": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.UnloadRecovery(s)
		}),
		"rewriteConfigs": decode(func(s *api.SessionKey, r rewriteRequest) *api.Response {
			return service.RewriteConfigs(s, r.Rewrites)
		}),
		"snapshot": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.Snapshot(s)
		}),
		"getVersion": decode(func(s *api.SessionKey, r struct{}) *api.Response {
			return service.GetVersion()
		}),
	}
	return g
}

// decode adapts a typed handler into the dispatch table.
func decode[T any](fn func(*api.SessionKey, T) *api.Response) func(*api.SessionKey, json.RawMessage) *api.Response {
	return func(session *api.SessionKey, raw json.RawMessage) *api.Response {
		var req T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return &api.Response{Code: api.CodeInvalidRequest, Message: "malformed request body"}
			}
		}
		return fn(session, req)
	}
}

// sessionFromRequest builds the caller identity from transport headers. Credential
// verification itself belongs to the fronting proxy.
func sessionFromRequest(r *http.Request) *api.SessionKey {
	user := r.Header.Get("X-Roost-User")
	if user == "" {
		return nil
	}
	session := &api.SessionKey{User: user}
	if roles := r.Header.Get("X-Roost-Roles"); roles != "" {
		session.Roles = strings.Split(roles, ",")
	}
	for _, c := range strings.Split(r.Header.Get("X-Roost-Capabilities"), ",") {
		if c != "" {
			session.Capabilities = append(session.Capabilities, api.Capability(c))
		}
	}
	return session
}

// agentGateway receives the cluster manager's callbacks: resource offers,
// offer rescinds, and executor status updates.
type agentGateway struct {
	pool  *scheduler.OfferPool
	state *state.Manager
	clock clock.Clock
}

type statusUpdateRequest struct {
	TaskID  string
	Status  types.ScheduleStatus
	Message string
}

type rescindRequest struct {
	OfferID string
}

func newAgentGateway(pool *scheduler.OfferPool, sm *state.Manager, clk clock.Clock) *agentGateway {
	return &agentGateway{pool: pool, state: sm, clock: clk}
}

func (g *agentGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("agent-gateway")
	switch strings.TrimPrefix(r.URL.Path, "/agent/") {
	case "offer":
		var offer types.Offer
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if offer.ReceivedAt.IsZero() {
			offer.ReceivedAt = g.clock.Now()
		}
		g.pool.Add(&offer)

	case "rescind":
		var req rescindRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.pool.Rescind(req.OfferID)

	case "status":
		var req statusUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := g.state.StatusUpdate(req.TaskID, req.Status, req.Message); err != nil {
			logger.Error().Err(err).Str("task_id", req.TaskID).Msg("Status update failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	default:
		http.NotFound(w, r)
	}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/api/")
	handler, ok := g.ops[op]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var body json.RawMessage
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	resp := handler(sessionFromRequest(r), body)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithComponent("gateway").Error().Err(err).Str("op", op).Msg("Failed to encode response")
	}
}
