package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Popie52/batchqueue/internal/backend"
	"github.com/Popie52/batchqueue/internal/catalog"
	"github.com/Popie52/batchqueue/internal/core"
	"github.com/Popie52/batchqueue/internal/model"
)

const (
	regionHeader  = "X-Batch-Region"
	accountHeader = "X-Batch-Account"
)

type timeoutBody struct {
	AttemptDurationSeconds int64 `json:"attemptDurationSeconds"`
}

// maxTimeoutSeconds is the largest timeout a time.Duration can hold.
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

func (t *timeoutBody) duration() (*time.Duration, error) {
	if t == nil {
		return nil, nil
	}
	if t.AttemptDurationSeconds > maxTimeoutSeconds || t.AttemptDurationSeconds < -maxTimeoutSeconds {
		return nil, &model.ErrInvalidArgument{
			Name:    "timeout.attemptDurationSeconds",
			Value:   strconv.FormatInt(t.AttemptDurationSeconds, 10),
			Message: fmt.Sprintf("must not exceed %d", maxTimeoutSeconds),
		}
	}
	d := time.Duration(t.AttemptDurationSeconds) * time.Second
	return &d, nil
}

type dependency struct {
	JobID string `json:"jobId"`
}

type submitRequest struct {
	JobName            string                   `json:"jobName"`
	JobQueue           string                   `json:"jobQueue"`
	JobDefinition      string                   `json:"jobDefinition"`
	DependsOn          []dependency             `json:"dependsOn"`
	ContainerOverrides model.ContainerOverrides `json:"containerOverrides"`
	Timeout            *timeoutBody             `json:"timeout"`
}

type submitResponse struct {
	JobName string `json:"jobName"`
	JobID   string `json:"jobId"`
}

type describeJobsRequest struct {
	Jobs []string `json:"jobs"`
}

type listJobsRequest struct {
	JobQueue  string `json:"jobQueue"`
	JobStatus string `json:"jobStatus"`
}

type registerDefinitionRequest struct {
	JobDefinitionName   string                    `json:"jobDefinitionName"`
	Type                string                    `json:"type"`
	ContainerProperties model.ContainerProperties `json:"containerProperties"`
	RetryStrategy       *struct {
		Attempts int `json:"attempts"`
	} `json:"retryStrategy"`
	Timeout *timeoutBody `json:"timeout"`
}

type describeDefinitionsRequest struct {
	JobDefinitions    []string `json:"jobDefinitions"`
	JobDefinitionName string   `json:"jobDefinitionName"`
	Status            string   `json:"status"`
}

type deregisterDefinitionRequest struct {
	JobDefinition string `json:"jobDefinition"`
}

type queueRequest struct {
	JobQueueName string            `json:"jobQueueName"`
	JobQueue     string            `json:"jobQueue"`
	State        *model.QueueState `json:"state"`
	Priority     *int              `json:"priority"`
}

type describeQueuesRequest struct {
	JobQueues []string `json:"jobQueues"`
}

type errorResponse struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// api binds the HTTP surface to the backend registry.
type api struct {
	ctx      context.Context
	registry *backend.Registry
	region   string
	account  string
	limiter  *rate.Limiter
}

func newMux(a *api, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("POST /v1/submitjob", a.limit(a.handle(a.submitJob)))
	mux.Handle("POST /v1/describejobs", a.handle(a.describeJobs))
	mux.Handle("POST /v1/listjobs", a.handle(a.listJobs))
	mux.Handle("POST /v1/registerjobdefinition", a.handle(a.registerDefinition))
	mux.Handle("POST /v1/deregisterjobdefinition", a.handle(a.deregisterDefinition))
	mux.Handle("POST /v1/describejobdefinitions", a.handle(a.describeDefinitions))
	mux.Handle("POST /v1/createjobqueue", a.handle(a.createQueue))
	mux.Handle("POST /v1/updatejobqueue", a.handle(a.updateQueue))
	mux.Handle("POST /v1/describejobqueues", a.handle(a.describeQueues))
	return mux
}

type handlerFunc func(b backend.Backend, r *http.Request) (interface{}, error)

// handle resolves the caller's backend, runs fn and writes its result or error.
func (a *api) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-a.ctx.Done():
			respondJSON(w, http.StatusServiceUnavailable, errorResponse{Type: "ServerException", Message: "server is shutting down"})
			return
		default:
		}

		b, err := a.registry.Get(headerOr(r, regionHeader, a.region), headerOr(r, accountHeader, a.account))
		if err != nil {
			respondError(w, err)
			return
		}
		out, err := fn(b, r)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	})
}

func (a *api) limit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondJSON(w, http.StatusTooManyRequests, errorResponse{Type: "TooManyRequestsException", Message: "Too Many Requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) submitJob(b backend.Backend, r *http.Request) (interface{}, error) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	timeout, err := req.Timeout.duration()
	if err != nil {
		return nil, err
	}
	deps := make([]string, 0, len(req.DependsOn))
	for _, d := range req.DependsOn {
		deps = append(deps, d.JobID)
	}
	name, id, err := b.SubmitJob(r.Context(), core.SubmitRequest{
		Name:       req.JobName,
		Definition: req.JobDefinition,
		Queue:      req.JobQueue,
		DependsOn:  deps,
		Overrides:  req.ContainerOverrides,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, err
	}
	return submitResponse{JobName: name, JobID: id}, nil
}

func (a *api) describeJobs(b backend.Backend, r *http.Request) (interface{}, error) {
	var req describeJobsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	jobs := b.DescribeJobs(req.Jobs)
	if jobs == nil {
		jobs = []model.JobDetail{}
	}
	return map[string]interface{}{"jobs": jobs}, nil
}

func (a *api) listJobs(b backend.Backend, r *http.Request) (interface{}, error) {
	var req listJobsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	var status *model.Status
	if req.JobStatus != "" {
		s, err := model.ParseStatus(req.JobStatus)
		if err != nil {
			return nil, err
		}
		status = &s
	}
	jobs, err := b.ListJobs(req.JobQueue, status)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []model.JobSummary{}
	}
	return map[string]interface{}{"jobSummaryList": jobs}, nil
}

func (a *api) registerDefinition(b backend.Backend, r *http.Request) (interface{}, error) {
	var req registerDefinitionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	timeout, err := req.Timeout.duration()
	if err != nil {
		return nil, err
	}
	spec := catalog.DefinitionSpec{
		Name:      req.JobDefinitionName,
		Type:      req.Type,
		Container: req.ContainerProperties,
		Timeout:   timeout,
	}
	if req.RetryStrategy != nil {
		spec.RetryAttempts = req.RetryStrategy.Attempts
	}
	def, err := b.RegisterJobDefinition(spec)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"jobDefinitionName": def.Name,
		"jobDefinitionArn":  def.Arn,
		"revision":          def.Revision,
	}, nil
}

func (a *api) deregisterDefinition(b backend.Backend, r *http.Request) (interface{}, error) {
	var req deregisterDefinitionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := b.DeregisterJobDefinition(req.JobDefinition); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (a *api) describeDefinitions(b backend.Backend, r *http.Request) (interface{}, error) {
	var req describeDefinitionsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	var defs []*model.JobDefinition
	if len(req.JobDefinitions) > 0 {
		for _, id := range req.JobDefinitions {
			def, err := b.GetJobDefinition(id)
			if model.IsDefinitionNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
	} else {
		var err error
		defs, err = b.ListJobDefinitions(req.JobDefinitionName, model.DefinitionStatus(req.Status))
		if err != nil {
			return nil, err
		}
	}
	if defs == nil {
		defs = []*model.JobDefinition{}
	}
	return map[string]interface{}{"jobDefinitions": defs}, nil
}

func (a *api) createQueue(b backend.Backend, r *http.Request) (interface{}, error) {
	var req queueRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	spec := catalog.QueueSpec{Name: req.JobQueueName}
	if req.State != nil {
		spec.State = *req.State
	}
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}
	info, err := b.CreateJobQueue(spec)
	if err != nil {
		return nil, err
	}
	return map[string]string{"jobQueueName": info.Name, "jobQueueArn": info.Arn}, nil
}

func (a *api) updateQueue(b backend.Backend, r *http.Request) (interface{}, error) {
	var req queueRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	info, err := b.UpdateJobQueue(req.JobQueue, catalog.QueueUpdate{State: req.State, Priority: req.Priority})
	if err != nil {
		return nil, err
	}
	return map[string]string{"jobQueueName": info.Name, "jobQueueArn": info.Arn}, nil
}

func (a *api) describeQueues(b backend.Backend, r *http.Request) (interface{}, error) {
	var req describeQueuesRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	queues, err := b.ListJobQueues()
	if err != nil {
		return nil, err
	}
	if len(req.JobQueues) > 0 {
		wanted := make(map[string]bool, len(req.JobQueues))
		for _, q := range req.JobQueues {
			wanted[q] = true
		}
		filtered := queues[:0]
		for _, q := range queues {
			if wanted[q.Name] || wanted[q.Arn] {
				filtered = append(filtered, q)
			}
		}
		queues = filtered
	}
	return map[string]interface{}{"jobQueues": queues}, nil
}

// Helpers

func decode(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.ErrInvalidArgument{Name: "body", Value: r.URL.Path, Message: err.Error()}
	}
	return nil
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Errorf("encoding response: %v", err)
		}
	}
}

// respondError maps caller mistakes to 400 ClientException and everything else to 500.
func respondError(w http.ResponseWriter, err error) {
	if model.IsClientError(err) {
		respondJSON(w, http.StatusBadRequest, errorResponse{Type: "ClientException", Message: err.Error()})
		return
	}
	log.Errorf("request failed: %v", err)
	respondJSON(w, http.StatusInternalServerError, errorResponse{Type: "ServerException", Message: err.Error()})
}
