package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/repo"
	"github.com/gymops/gymsync/internal/service"
	"go.uber.org/zap"
)

func RegisterHandlers(r *gin.Engine, ingest *service.IngestService, attendance *service.AttendanceService, repository repo.RepositoryInterface, syncCfg config.SyncConfig, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		sync := v1.Group("/sync")
		sync.POST("/push",
			SyncSecretMiddleware(syncCfg.SecretHeader, syncCfg.SharedSecret, log),
			pushHandler(ingest, syncCfg.MaxBodyBytes, log))
		sync.GET("/outbox/summary", outboxSummaryHandler(repository))
		sync.GET("/outbox/events", outboxEventsHandler(repository))
		sync.GET("/outbox/failures", outboxFailuresHandler(repository))
		sync.GET("/processed", processedEventsHandler(repository))

		v1.POST("/attendance/checkin", checkInHandler(attendance))
	}
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func pushHandler(ingest *service.IngestService, maxBodyBytes int64, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// reject oversized bodies before any JSON work
		if c.Request.ContentLength > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", "Request body exceeds the allowed size."))
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("INVALID_JSON", "Request body could not be read."))
			return
		}
		if int64(len(body)) > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", "Request body exceeds the allowed size."))
			return
		}

		req, envErr := service.ValidateRequest(body)
		if envErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": envErr})
			return
		}

		result, err := ingest.ProcessBatch(c, req)
		if err != nil {
			// Unknown outcome: the dispatcher must treat this batch as
			// undelivered, so nothing here may look like an ack.
			log.Errorw("sync ingest failed", "deviceId", req.DeviceID, "gymId", req.GymID, "error", err)
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}

		log.Infow("sync push accepted",
			"deviceId", req.DeviceID,
			"gymId", req.GymID,
			"processedCount", result.ProcessedCount,
			"skippedCount", result.SkippedCount,
			"errorCount", result.ErrorCount)
		c.JSON(http.StatusOK, result)
	}
}

type checkInReq struct {
	BranchID   string `json:"branchId" binding:"required"`
	MemberID   string `json:"memberId"`
	MemberCode string `json:"memberCode"`
	Source     string `json:"source"`
}

func checkInStatus(code string) int {
	switch code {
	case service.CodeInvalidInput:
		return http.StatusBadRequest
	case service.CodeMemberNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

func checkInHandler(attendance *service.AttendanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkInReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(service.CodeInvalidInput, err.Error()))
			return
		}

		result, err := attendance.CheckIn(c, service.CheckInInput{
			BranchID:   req.BranchID,
			MemberID:   req.MemberID,
			MemberCode: req.MemberCode,
			Source:     req.Source,
		})
		if err != nil {
			var checkInErr *service.CheckInError
			if errors.As(err, &checkInErr) {
				c.JSON(checkInStatus(checkInErr.Code), errorBody(checkInErr.Code, checkInErr.Message))
				return
			}
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func limitQuery(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func outboxSummaryHandler(repository repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := repository.OutboxSummary(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func outboxEventsHandler(repository repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := repository.ListRecentOutboxEvents(c, limitQuery(c, 50, 200))
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func outboxFailuresHandler(repository repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := repository.ListRecentOutboxFailures(c, limitQuery(c, 25, 200))
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func processedEventsHandler(repository repo.RepositoryInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := repository.ListRecentProcessedEvents(c, limitQuery(c, 50, 200), c.Query("eventType"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Unexpected error."))
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}
