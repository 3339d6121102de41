package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"jobcrawler/internal/jobs"
	"jobcrawler/internal/recurrence"
	logx "jobcrawler/pkg/logx"
)

type jobRequest struct {
	Title     string               `json:"title"`
	TargetURL string               `json:"target_url"`
	Keywords  []string             `json:"keywords"`
	Time      recurrence.TimeOfDay `json:"schedule_time"`
	Days      recurrence.DaySet    `json:"schedule_days"`
}

func (r jobRequest) job() jobs.Job {
	return jobs.Job{Title: r.Title, TargetURL: r.TargetURL, Keywords: r.Keywords, Time: r.Time, Days: r.Days}
}

type digestTimeBody struct {
	Time recurrence.TimeOfDay `json:"time"`
}

// writeErr maps the error taxonomy onto status codes.
func (s *Server) writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case jobs.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrPersist):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
}

func pathID(c *gin.Context) (jobs.ID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return jobs.ID(id), true
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "timestamp": time.Now().UTC()}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) dashboard(c *gin.Context) {
	snap, err := s.deps.Dashboard.Snapshot(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listJobs(c *gin.Context) {
	list, err := s.deps.Scheduler.List(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	j, err := s.deps.Scheduler.Get(c.Request.Context(), id)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	j, err := s.deps.Scheduler.Add(c.Request.Context(), req.job())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) updateJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	j, err := s.deps.Scheduler.Update(c.Request.Context(), id, req.job())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) deleteJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Delete(c.Request.Context(), id); err != nil {
		s.writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) runJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := s.deps.Scheduler.Trigger(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrPersist) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "run": rec})
			return
		}
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) schedules(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) getDigestTime(c *gin.Context) {
	t, err := s.deps.Digest.Load(c.Request.Context())
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, digestTimeBody{Time: t})
}

func (s *Server) putDigestTime(c *gin.Context) {
	var body digestTimeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	saved, err := s.deps.Digest.Observe(c.Request.Context(), body.Time)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"time": body.Time, "saved": saved})
}
