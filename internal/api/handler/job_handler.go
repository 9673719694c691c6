package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/escrow-sync/internal/api/dto"
	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/metadata"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetJob handles GET /api/v1/jobs/:job_id
// Serves the cached job, falling back to a live read when the record is
// missing or stale. ?expand=metadata resolves the description document.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := parseJobID(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a decimal integer",
		})
		return
	}

	ctx := c.Request.Context()
	res, err := cache.Resolve(ctx, h.policy,
		func(ctx context.Context) (cache.Record[domain.Job], error) {
			return h.cache.GetJob(ctx, jobID)
		},
		func(ctx context.Context) (domain.Job, error) {
			return coalesce(ctx, &h.live, "job:"+jobID, func(ctx context.Context) (domain.Job, error) {
				ev, err := h.chain.ReadJobSnapshot(ctx, jobID, 0)
				if err != nil {
					return domain.Job{}, err
				}
				return *ev.JobState, nil
			})
		},
	)
	if err != nil {
		h.readError(c, "job", err)
		return
	}
	if res.LiveErr != nil {
		h.logger.Warn("Serving stale job",
			slog.String("job_id", jobID),
			slog.String("error", res.LiveErr.Error()),
		)
	}

	out := dto.NewJobDTO(res.Value, dto.NewFreshness(res.Source, res.SyncedAt), h.now())

	if c.Query("expand") == "metadata" && h.metadata != nil {
		doc, err := metadata.Resolve(ctx, h.metadata, res.Value.DescriptionURI)
		if err != nil {
			h.logger.Warn("Serving fallback metadata",
				slog.String("job_id", jobID),
				slog.String("uri", res.Value.DescriptionURI),
				slog.String("error", err.Error()),
			)
		}
		out.Metadata = &doc
	}

	c.JSON(http.StatusOK, out)
}

// ListJobs handles GET /api/v1/jobs
// Lists cached jobs newest first with optional status and client filters
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	filter := cache.JobFilter{PageSize: req.PageSize}

	if req.Status != "" {
		status := domain.JobStatus(req.Status)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		filter.Status = status
	}

	if req.Client != "" {
		client, ok := parseAddress(req.Client)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid client address"})
			return
		}
		filter.Client = client
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}
	filter.Cursor = cursor

	records, err := h.cache.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	now := h.now()
	jobs := make([]dto.JobDTO, len(records))
	for i, rec := range records {
		jobs[i] = dto.NewJobDTO(rec.Value, h.freshness(rec.SyncedAt, now), now)
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1].Value
		nextCursor = EncodeJobCursor(&cache.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// ListProposals handles GET /api/v1/jobs/:job_id/proposals
func (h *JobHandler) ListProposals(c *gin.Context) {
	jobID, ok := parseJobID(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a decimal integer",
		})
		return
	}

	records, err := h.cache.ListProposals(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to list proposals",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list proposals",
		})
		return
	}

	proposals := make([]dto.ProposalDTO, len(records))
	for i, rec := range records {
		proposals[i] = dto.NewProposalDTO(rec.Value)
	}
	c.JSON(http.StatusOK, dto.ListProposalsResponse{Proposals: proposals})
}

// freshness labels a listed record; listings never read live
func (h *JobHandler) freshness(syncedAt, now time.Time) dto.Freshness {
	ttl := h.policy.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	source := cache.SourceCache
	if now.Sub(syncedAt) >= ttl {
		source = cache.SourceStaleCache
	}
	return dto.NewFreshness(source, syncedAt)
}
