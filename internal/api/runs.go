package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"bidwatch/internal/report"
	"bidwatch/internal/scheduler"
)

// Runner runs a named job synchronously.
type Runner interface {
	RunNow(ctx context.Context, name string) (report.Snapshot, error)
}

// RegisterRuns mounts POST /runs/:job. The run report is returned even when
// the run aborted, alongside the error.
func RegisterRuns(r gin.IRouter, runner Runner) {
	r.POST("/runs/:job", func(c *gin.Context) {
		snap, err := runner.RunNow(c.Request.Context(), c.Param("job"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, snap)
		case errors.Is(err, scheduler.ErrUnknownJob):
			jsonError(c, http.StatusNotFound, err)
		default:
			_ = c.Error(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "report": snap})
		}
	})
}
