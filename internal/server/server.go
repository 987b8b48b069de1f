// Package server exposes the broker over HTTP. Each handler is a stateless
// translation between the wire schemas and the broker; all state lives in
// the broker passed at construction.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/simbatch/queued/internal/model"
	"github.com/simbatch/queued/internal/queue"
	"github.com/simbatch/queued/pkg/types"
)

// Server routes the nine queue endpoints onto a broker and a model registry.
type Server struct {
	broker   *queue.Broker
	registry *model.Registry
}

// New creates a server over the given broker and registry.
func New(broker *queue.Broker, registry *model.Registry) *Server {
	return &Server{broker: broker, registry: registry}
}

// Router builds the route table. Numeric path variables are constrained at
// the router so a malformed id is a 404, not a handler concern.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Path("/client_model_create").Methods("POST").HandlerFunc(s.clientModelCreate)
	r.Path("/client_queue_has_workers").Methods("GET").HandlerFunc(s.clientQueueHasWorkers)
	r.Path("/client_confirm/{code}").Methods("GET").HandlerFunc(s.clientConfirm)

	r.Path("/worker_info").Methods("GET").HandlerFunc(s.workerInfo)
	r.Path("/worker_work_task").Methods("GET").HandlerFunc(s.workerWorkTask)
	r.Path("/worker_keep_alive_task/{id:[0-9]+}").Methods("GET").HandlerFunc(s.workerKeepAliveTask)
	r.Path("/worker_has_task/{id:[0-9]+}").Methods("GET").HandlerFunc(s.workerHasTask)
	r.Path("/worker_succeed_task/{id:[0-9]+}").Methods("GET").HandlerFunc(s.workerSucceedTask)
	r.Path("/worker_failed_task/{id:[0-9]+}").Methods("GET").HandlerFunc(s.workerFailedTask)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("error", err).Error("failed to write response")
	}
}

// badID is the worker-protocol answer for an unknown task id. By contract
// it travels with HTTP 200; only the confirm endpoint uses 404.
func badID(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error": map[string]string{"type": "bad_id"},
	})
}

func taskID(r *http.Request) types.TaskID {
	// The route pattern guarantees digits.
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return types.TaskID(id)
}

// clientModelCreate decodes a submitted request, parks it behind a
// confirmation code, and mails the code to the user.
func (s *Server) clientModelCreate(w http.ResponseWriter, r *http.Request) {
	rawJSON := r.FormValue("task_json")
	if rawJSON == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"type": "validation", "message": "missing task_json"},
		})
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"type": "validation", "message": "task_json is not valid JSON"},
		})
		return
	}

	payload, err := s.registry.Decode(raw)
	if err != nil {
		if !errors.Is(err, model.ErrValidation) {
			log.WithField("error", err).Error("decode failed")
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"type": "validation", "message": err.Error()},
		})
		return
	}

	task, code := s.broker.Submit(payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response": map[string]interface{}{
			"task": task.Encode(),
			"code": code,
		},
	})
}

func (s *Server) clientQueueHasWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response": map[string]bool{"has_workers": s.broker.HasWorkers()},
	})
}

func (s *Server) clientConfirm(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	switch s.broker.Confirm(code) {
	case queue.ConfirmOK:
		writeJSON(w, http.StatusOK, map[string]string{"response": "okay"})
	case queue.ConfirmAlreadyDone:
		writeJSON(w, http.StatusOK, map[string]string{"response": "already_confirmed"})
	default:
		http.NotFound(w, r)
	}
}

// workerInfo only exists so idle workers can check in.
func (s *Server) workerInfo(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) workerWorkTask(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()

	task, ok := s.broker.Dispatch()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "empty_queue"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task.Encode()})
}

func (s *Server) workerKeepAliveTask(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()

	if err := s.broker.Heartbeat(taskID(r)); err != nil {
		log.WithField("taskId", taskID(r)).Info("keep alive for unknown task id")
		badID(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) workerHasTask(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()

	if s.broker.HasTask(taskID(r)) {
		writeJSON(w, http.StatusOK, map[string]string{"response": "yes"})
	} else {
		writeJSON(w, http.StatusOK, map[string]string{"response": "no"})
	}
}

func (s *Server) workerSucceedTask(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()

	if err := s.broker.Succeed(taskID(r)); err != nil {
		log.WithField("taskId", taskID(r)).Info("succeed for unknown task id")
		badID(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "okay"})
}

func (s *Server) workerFailedTask(w http.ResponseWriter, r *http.Request) {
	s.broker.TouchWorkerCheckin()

	if err := s.broker.Fail(taskID(r)); err != nil {
		log.WithField("taskId", taskID(r)).Info("failure report for unknown task id")
		badID(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "okay"})
}
