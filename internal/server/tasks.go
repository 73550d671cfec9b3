package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lzdev42/catalytic-sub000/internal/engine"
)

// outcomeGrace is added to a task's own timeout when waiting for its outcome.
const outcomeGrace = time.Second

type deviceTaskReq struct {
	Slot       uint32 `json:"slot"`
	DeviceType string `json:"device_type"`
	Address    string `json:"address"`
	Driver     string `json:"driver"`
	Action     string `json:"action"`
	Payload    []byte `json:"payload"`
	TimeoutMs  int64  `json:"timeout_ms"`
}

type hostTaskReq struct {
	Slot      uint32          `json:"slot"`
	TaskName  string          `json:"task_name"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int64           `json:"timeout_ms"`
}

// taskResp carries device data as base64 in Data; host processors returning
// JSON get it verbatim in Result.
type taskResp struct {
	TaskID  uint64             `json:"task_id"`
	Kind    engine.OutcomeKind `json:"kind"`
	Data    []byte             `json:"data,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
}

func (r *Router) handleDeviceTask(c *gin.Context) {
	var req deviceTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Action == "" || req.Driver == "" {
		fail(c, http.StatusBadRequest, "driver and action required")
		return
	}
	taskID, ch, ok := r.register(c, req.Slot)
	if !ok {
		return
	}
	status := r.b.DeviceDispatch.Dispatch(engine.DeviceTask{
		SlotID:     req.Slot,
		TaskID:     taskID,
		DeviceType: req.DeviceType,
		Address:    req.Address,
		Driver:     req.Driver,
		Action:     req.Action,
		Payload:    req.Payload,
		TimeoutMs:  req.TimeoutMs,
	})
	r.await(c, req.Slot, taskID, ch, status, req.TimeoutMs, false)
}

func (r *Router) handleHostTask(c *gin.Context) {
	var req hostTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TaskName == "" {
		fail(c, http.StatusBadRequest, "task_name required")
		return
	}
	taskID, ch, ok := r.register(c, req.Slot)
	if !ok {
		return
	}
	status := r.b.HostDispatch.Dispatch(engine.HostTask{
		SlotID:    req.Slot,
		TaskID:    taskID,
		TaskName:  req.TaskName,
		Params:    req.Params,
		TimeoutMs: req.TimeoutMs,
	})
	r.await(c, req.Slot, taskID, ch, status, req.TimeoutMs, true)
}

func (r *Router) register(c *gin.Context, slot uint32) (uint64, <-chan engine.Outcome, bool) {
	taskID := engine.NextTaskID()
	ch, err := r.b.Tasks.Register(slot, taskID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return 0, nil, false
	}
	return taskID, ch, true
}

// await blocks until the task's single outcome arrives. A rejected dispatch
// already carries its error outcome and is reported as 503.
func (r *Router) await(c *gin.Context, slot uint32, taskID uint64, ch <-chan engine.Outcome, status engine.Status, timeoutMs int64, host bool) {
	if status == engine.StatusRejected {
		msg := "task rejected"
		select {
		case o := <-ch:
			msg = o.Message
		default:
			r.b.Tasks.Cancel(slot, taskID)
		}
		fail(c, http.StatusServiceUnavailable, msg)
		return
	}

	wait := time.NewTimer(engine.Timeout(timeoutMs, r.b.DefaultTimeout) + outcomeGrace)
	defer wait.Stop()
	select {
	case o := <-ch:
		resp := taskResp{TaskID: taskID, Kind: o.Kind, Message: o.Message}
		if host && json.Valid(o.Data) {
			resp.Result = o.Data
		} else {
			resp.Data = o.Data
		}
		writeJSON(c, http.StatusOK, resp)
	case <-wait.C:
		r.b.Tasks.Cancel(slot, taskID)
		fail(c, http.StatusGatewayTimeout, "no outcome before deadline")
	case <-c.Request.Context().Done():
		r.b.Tasks.Cancel(slot, taskID)
		_ = c.Error(errors.New("client went away"))
	}
}
