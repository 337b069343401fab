package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"

	"github.com/remgo/remgo/internal/coordinator"
	"github.com/remgo/remgo/internal/taskargs"
)

const defaultHistoryLimit = 50

func (s *Server) settings(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Catalog.Snapshot())
}

func (s *Server) gpus(c *gin.Context) {
	slots := s.deps.Scheduler.Slots()
	c.JSON(http.StatusOK, gin.H{
		"multi_gpu_enabled": s.deps.Scheduler.MultiEnabled(),
		"gpu_count":         len(slots),
		"gpus":              slots,
	})
}

// submitErrorStatus translates a submission failure into an HTTP status:
// exhausted capacity reads as 503, a bad args vector as 400, anything
// else as 500.
func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNoResource):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrInvalidArgs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) generate(c *gin.Context) {
	req := taskargs.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "Error", "error": err.Error()})
		return
	}

	res, err := s.deps.Coordinator.Submit(c.Request.Context(), req)
	if err != nil {
		c.JSON(submitErrorStatus(err), gin.H{"status": "Error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":      res.TaskID,
		"status":       "Started",
		"gpus":         res.GPUs,
		"total_images": res.TotalImages,
	})
}

func (s *Server) status(c *gin.Context) {
	v, err := s.deps.Coordinator.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) stop(c *gin.Context) {
	requested := s.deps.Coordinator.StopAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"requested": requested, "success": true})
}

func (s *Server) history(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil {
		limit = defaultHistoryLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		offset = 0
	}

	page, err := s.deps.History.List(limit, offset)
	if err != nil {
		s.log.Errorw("history listing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) configGet(c *gin.Context) {
	doc, err := s.deps.Editor.Document()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) configPost(c *gin.Context) {
	var changes map[string]any
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := s.deps.Editor.Apply(changes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": doc, "restart_required": true})
}

func (s *Server) health(c *gin.Context) {
	payload := gin.H{"status": "ok"}
	if info, err := host.Info(); err == nil {
		payload["host"] = gin.H{
			"hostname":       info.Hostname,
			"platform":       info.Platform,
			"uptime_seconds": info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_used_percent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, payload)
}
