package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/3leaps/aerobatch/internal/errors"
	"github.com/3leaps/aerobatch/pkg/jobregistry"
	"github.com/3leaps/aerobatch/pkg/pipeline"
	"github.com/3leaps/aerobatch/pkg/progress"
	"github.com/3leaps/aerobatch/pkg/queue"
	"github.com/3leaps/aerobatch/pkg/summary"
)

// maxJobBody caps POST /v1/queue/jobs bodies.
const maxJobBody = 1 << 20

// QueueController is the part of *queue.Queue the API drives.
type QueueController interface {
	Snapshot() queue.Snapshot
	Enqueue(job pipeline.Job) error
	Cancel()
}

// EventSource replays progress events. *progress.Bus implements it.
type EventSource interface {
	Since(seq int64) []progress.Event
	LastSeq() int64
}

// API serves queue control, progress and results for one run.
type API struct {
	Queue       QueueController
	Events      EventSource
	SummaryPath string
	Registry    *jobregistry.Store
}

// EventsResponse is the body of GET /v1/events.
type EventsResponse struct {
	Events  []progress.Event `json:"events"`
	LastSeq int64            `json:"last_seq"`
}

// GetQueue handles GET /v1/queue.
func (a *API) GetQueue(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("no run in progress"))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, a.Queue.Snapshot())
}

// EnqueueJob handles POST /v1/queue/jobs with a pipeline.Job body.
func (a *API) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("no run in progress"))
		return
	}
	var job pipeline.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("invalid job body: %v", err), err))
		return
	}
	if err := a.Queue.Enqueue(job); err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, job)
}

// CancelQueue handles POST /v1/queue/cancel. The job in flight finishes.
func (a *API) CancelQueue(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("no run in progress"))
		return
	}
	a.Queue.Cancel()
	apperrors.WriteJSON(w, http.StatusAccepted, a.Queue.Snapshot())
}

// GetEvents handles GET /v1/events?since=N and returns retained events with
// Seq > N.
func (a *API) GetEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("no run in progress"))
		return
	}
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewBadRequest("since must be a non-negative integer", err))
			return
		}
		since = n
	}
	events := a.Events.Since(since)
	if events == nil {
		events = []progress.Event{}
	}
	apperrors.WriteJSON(w, http.StatusOK, EventsResponse{Events: events, LastSeq: a.Events.LastSeq()})
}

// GetSummary handles GET /v1/summary.
func (a *API) GetSummary(w http.ResponseWriter, r *http.Request) {
	if a.SummaryPath == "" {
		respondWithError(w, r, apperrors.NewNotFound("no summary configured"))
		return
	}
	rows, err := summary.Read(a.SummaryPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			apperrors.WriteJSON(w, http.StatusOK, []summary.Row{})
			return
		}
		respondWithError(w, r, err)
		return
	}
	if rows == nil {
		rows = []summary.Row{}
	}
	apperrors.WriteJSON(w, http.StatusOK, rows)
}

// ListJobs handles GET /v1/jobs, newest first.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	if a.Registry == nil {
		respondWithError(w, r, apperrors.NewNotFound("no job registry configured"))
		return
	}
	var (
		records []jobregistry.JobRecord
		err     error
	)
	if run := r.URL.Query().Get("run"); run != "" {
		records, err = a.Registry.ListRun(run)
	} else {
		records, err = a.Registry.List()
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if records == nil {
		records = []jobregistry.JobRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, records)
}

// GetJob handles GET /v1/jobs/{id}; id is a job ID or a job name.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	if a.Registry == nil {
		respondWithError(w, r, apperrors.NewNotFound("no job registry configured"))
		return
	}
	// Job IDs are UUIDs; anything else is a job name.
	id := chi.URLParam(r, "id")
	var (
		rec *jobregistry.JobRecord
		err error
	)
	if _, perr := uuid.Parse(id); perr == nil {
		rec, err = a.Registry.Get(id)
	}
	if rec == nil {
		rec, err = a.Registry.FindByName(id)
	}
	if err != nil || rec == nil {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("job %q not found", id)))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}
