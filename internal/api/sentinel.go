package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bidwatch/internal/lifecycle"
	"bidwatch/internal/model"
	"bidwatch/internal/rules"
	"bidwatch/internal/summary"
)

// ActivityProcessor evaluates one activity event.
type ActivityProcessor interface {
	Process(ctx context.Context, ev model.ActivityEvent) (rules.Result, error)
}

// DetectionResolver performs the open → resolved transition.
type DetectionResolver interface {
	Resolve(ctx context.Context, id string) (model.DetectedEvent, error)
}

// SummaryReader loads a stored summary.
type SummaryReader interface {
	GetSummary(ctx context.Context, subjectID, date string) (model.DailySummary, error)
}

// SummaryComputer recomputes and stores a summary.
type SummaryComputer interface {
	Compute(ctx context.Context, subjectID, date string) (model.DailySummary, error)
}

// Sentinel serves the activity, detection and summary routes.
type Sentinel struct {
	Activity  ActivityProcessor
	Resolver  DetectionResolver
	Summaries SummaryReader
	Summarize SummaryComputer
}

// Register mounts the sentinel routes:
//
//	POST /activity
//	POST /detections/:id/resolve
//	GET  /summaries/:subject/:date
//	POST /summaries/:subject/:date
func (s *Sentinel) Register(r gin.IRouter) {
	r.POST("/activity", s.ingest)
	r.POST("/detections/:id/resolve", s.resolve)
	r.GET("/summaries/:subject/:date", s.getSummary)
	r.POST("/summaries/:subject/:date", s.computeSummary)
}

func (s *Sentinel) ingest(c *gin.Context) {
	var ev model.ActivityEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		jsonError(c, http.StatusBadRequest, err)
		return
	}
	res, err := s.Activity.Process(c.Request.Context(), ev)
	if errors.Is(err, rules.ErrInvalidEvent) {
		jsonError(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		jsonError(c, statusFor(err), err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Sentinel) resolve(c *gin.Context) {
	d, err := s.Resolver.Resolve(c.Request.Context(), c.Param("id"))
	if errors.Is(err, lifecycle.ErrTransitionNotAllowed) {
		jsonError(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		jsonError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Sentinel) getSummary(c *gin.Context) {
	if _, _, err := summary.Window(c.Param("date"), time.UTC); err != nil {
		jsonError(c, http.StatusBadRequest, err)
		return
	}
	sum, err := s.Summaries.GetSummary(c.Request.Context(), c.Param("subject"), c.Param("date"))
	if err != nil {
		jsonError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Sentinel) computeSummary(c *gin.Context) {
	sum, err := s.Summarize.Compute(c.Request.Context(), c.Param("subject"), c.Param("date"))
	if errors.Is(err, summary.ErrInvalidDate) {
		jsonError(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		jsonError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
