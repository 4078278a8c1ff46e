package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/antchoi/Polymer/internal/engine"
	"github.com/antchoi/Polymer/internal/model"
)

// headerTaskID carries the id of the task that served a request.
const headerTaskID = "X-Task-Id"

// encodeFunc turns an answer payload into stored output bytes and their
// media type.
type encodeFunc[Out any] func(Out) ([]byte, string, error)

// process runs payload on eng and waits for its answer. Unless the answer is
// a result, it writes the error response and returns false.
func process[In, Out any](s *Server, w http.ResponseWriter, r *http.Request, eng *engine.Engine[In, Out], payload In) (Out, bool) {
	var zero Out
	if eng == nil || !eng.IsReady() {
		s.writeError(w, http.StatusServiceUnavailable, engine.ErrNotReady.Error())
		return zero, false
	}

	ans, err := eng.Process(r.Context(), payload)
	if err != nil {
		s.logger.Warn("stopped waiting for task", "capability", eng.Name(), "error", err)
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for task")
		return zero, false
	}
	w.Header().Set(headerTaskID, ans.TaskID)
	if ans.Failed() {
		s.logger.Error("task failed",
			"capability", eng.Name(),
			"task_id", ans.TaskID,
			"worker_id", ans.WorkerID,
			"error", ans.Err,
		)
		s.writeError(w, http.StatusInternalServerError, "failed to process task")
		return zero, false
	}
	return ans.Payload, true
}

// submitResponse is the JSON response for an accepted asynchronous task.
type submitResponse struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
}

// submit dispatches payload on eng without waiting and answers 202 with the
// task id. A background awaiter stores the encoded answer once it arrives.
func submit[In, Out any](s *Server, w http.ResponseWriter, r *http.Request, eng *engine.Engine[In, Out], payload In, encode encodeFunc[Out]) {
	if eng == nil || !eng.IsReady() {
		s.writeError(w, http.StatusServiceUnavailable, engine.ErrNotReady.Error())
		return
	}

	if !s.holdAsync() {
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	id, err := eng.Submit(r.Context(), payload)
	if err != nil {
		s.async.Done()
		s.logger.Error("submit task", "capability", eng.Name(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	go func() {
		defer s.async.Done()
		saveAnswer(s, eng, id, encode)
	}()

	w.Header().Set(headerTaskID, id)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		ID:         id,
		Capability: eng.Name(),
		Status:     "pending",
	})
}

// saveAnswer waits for the answer to id and stores its output. The task's
// status has already been recorded by the engine.
func saveAnswer[In, Out any](s *Server, eng *engine.Engine[In, Out], id string, encode encodeFunc[Out]) {
	logger := s.logger.With("capability", eng.Name(), "task_id", id)

	var ans model.Answer[Out]
	for {
		var err error
		ans, err = eng.Await(context.Background(), id)
		if errors.Is(err, context.DeadlineExceeded) {
			// The answer stays claimable after an await timeout.
			continue
		}
		if err != nil {
			logger.Error("await task", "error", err)
			return
		}
		break
	}
	if ans.Failed() {
		return
	}

	data, outputType, err := encode(ans.Payload)
	if err != nil {
		logger.Error("encode task output", "error", err)
		return
	}
	if s.store == nil {
		return
	}
	if err := s.store.SaveOutput(context.Background(), id, data, outputType); err != nil {
		logger.Error("save task output", "error", err)
	}
}
