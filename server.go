package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
	"github.com/steepletech/flock_backend/tenantdb"
	"github.com/steepletech/flock_backend/utils"
	"github.com/steepletech/flock_backend/workflow"
)

const defaultPort = "8080"

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func provisionHandler(provisioner *tenantdb.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in tenantdb.NewOrganization
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := provisioner.Provision(c.Request.Context(), in)
		if err != nil {
			var pe *tenantdb.ProvisioningError
			if errors.As(err, &pe) {
				if fields := utils.ProcessValidationErrors(pe.Err); fields != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": pe.Error(), "fields": fields})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": pe.Error(), "step": pe.Step})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

func createMemberHandler(router *tenantdb.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		var in models.NewMember
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		phone, err := utils.NormalizePhoneNumber(in.Phone, "")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number: " + err.Error()})
			return
		}
		if in.Email != "" && !utils.IsValidEmail(in.Email) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email address"})
			return
		}
		handle, err := router.Acquire(c.Request.Context(), tenantId)
		if err != nil {
			respondTenantError(c, err)
			return
		}
		m := models.Member{
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Phone:     phone,
			Email:     in.Email,
			OptedOut:  utils.NewFalse(),
		}
		if err := handle.DB.WithContext(c.Request.Context()).Create(&m).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func listMembersHandler(router *tenantdb.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		handle, err := router.Acquire(c.Request.Context(), tenantId)
		if err != nil {
			respondTenantError(c, err)
			return
		}
		limit := 100
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		var members []models.Member
		if err := handle.DB.WithContext(c.Request.Context()).
			Order("id ASC").Limit(limit).Find(&members).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

type blastRequest struct {
	Body        string             `json:"body"`
	MessageType models.MessageType `json:"message_type"`
	MediaBase64 string             `json:"media_base64"`
	MediaMime   string             `json:"media_mime"`
	RichCard    *models.RichCard   `json:"rich_card"`
	MemberIds   []int              `json:"member_ids"`
}

// blastHandler fans one message out to the roster (or a member subset):
// one MessageRecipient row per target in the tenant DB, one durable delivery
// job per target in the registry queue.
func blastHandler(router *tenantdb.Router, allowance *workflow.AllowanceChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		ctx := c.Request.Context()

		var in blastRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if in.MessageType == "" {
			in.MessageType = models.MessageTypeSMS
		}

		handle, err := router.Acquire(ctx, tenantId)
		if err != nil {
			respondTenantError(c, err)
			return
		}

		q := handle.DB.WithContext(ctx).Where("opted_out = false")
		if len(in.MemberIds) > 0 {
			q = q.Where("id IN ?", in.MemberIds)
		}
		var targets []models.Member
		if err := q.Find(&targets).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(targets) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no sendable members matched"})
			return
		}

		decision, err := allowance.RejectOverAllowance(ctx, tenantId, int64(len(targets)))
		if err != nil {
			if errors.Is(err, workflow.ErrAllowanceExceeded) {
				c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error(), "allowance": decision})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var mediaUrl *string
		if in.MediaBase64 != "" {
			url, err := utils.UploadMessageMedia(ctx, tenantId, in.MediaBase64, in.MediaMime)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "media upload failed: " + err.Error()})
				return
			}
			mediaUrl = &url
			if in.MessageType == models.MessageTypeSMS {
				in.MessageType = models.MessageTypeMMS
			}
		}

		enqueued := 0
		for i := range targets {
			m := targets[i]
			rec := models.MessageRecipient{
				MemberId: &m.ID,
				Phone:    m.Phone,
				Body:     in.Body,
				Status:   models.DeliveryStatusPending,
			}
			if err := handle.DB.WithContext(ctx).Create(&rec).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			job := models.NewDeliveryJob{
				TenantId:    tenantId,
				MessageType: in.MessageType,
				Phone:       m.Phone,
				Content:     in.Body,
				MediaUrl:    mediaUrl,
				RichCard:    in.RichCard,
				RecipientId: &rec.ID,
			}
			if _, err := models.EnqueueDeliveryJob(ctx, &job); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":    err.Error(),
					"enqueued": enqueued,
				})
				return
			}
			enqueued++
		}

		c.JSON(http.StatusAccepted, gin.H{
			"enqueued":  enqueued,
			"allowance": decision,
		})
	}
}

type sendMessageRequest struct {
	MemberId    *int               `json:"member_id"`
	Phone       string             `json:"phone"`
	Body        string             `json:"body"`
	MessageType models.MessageType `json:"message_type"`
	MediaBase64 string             `json:"media_base64"`
	MediaMime   string             `json:"media_mime"`
	RichCard    *models.RichCard   `json:"rich_card"`
}

// sendMessageHandler enqueues a single outbound conversation message.
func sendMessageHandler(router *tenantdb.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		ctx := c.Request.Context()

		var in sendMessageRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if in.MessageType == "" {
			in.MessageType = models.MessageTypeSMS
		}

		handle, err := router.Acquire(ctx, tenantId)
		if err != nil {
			respondTenantError(c, err)
			return
		}

		phone := in.Phone
		if in.MemberId != nil {
			m, err := models.GetMemberById(ctx, handle.DB, *in.MemberId)
			if err != nil {
				if errors.Is(err, models.ErrMemberNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if m.OptedOut != nil && *m.OptedOut {
				c.JSON(http.StatusConflict, gin.H{"error": "member has opted out"})
				return
			}
			phone = m.Phone
		}
		phone, err = utils.NormalizePhoneNumber(phone, "")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phone number: " + err.Error()})
			return
		}

		var mediaUrl *string
		if in.MediaBase64 != "" {
			url, err := utils.UploadMessageMedia(ctx, tenantId, in.MediaBase64, in.MediaMime)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "media upload failed: " + err.Error()})
				return
			}
			mediaUrl = &url
			if in.MessageType == models.MessageTypeSMS {
				in.MessageType = models.MessageTypeMMS
			}
		}

		msg := models.ConversationMessage{
			MemberId:  in.MemberId,
			Phone:     phone,
			Direction: "outbound",
			Body:      in.Body,
			MediaUrl:  mediaUrl,
			Status:    models.DeliveryStatusPending,
		}
		if err := handle.DB.WithContext(ctx).Create(&msg).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		job := models.NewDeliveryJob{
			TenantId:              tenantId,
			MessageType:           in.MessageType,
			Phone:                 phone,
			Content:               in.Body,
			MediaUrl:              mediaUrl,
			RichCard:              in.RichCard,
			ConversationMessageId: &msg.ID,
		}
		rec, err := models.EnqueueDeliveryJob(ctx, &job)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job": rec, "message": msg})
	}
}

func jobStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		jobId, err := strconv.Atoi(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		rec, err := models.GetDeliveryJobById(c.Request.Context(), jobId)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rec.TenantId != tenantId {
			c.JSON(http.StatusNotFound, gin.H{"error": models.ErrJobNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func listJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		recs, err := models.ListDeliveryJobsForTenant(c.Request.Context(), tenantId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": recs})
	}
}

// setTenantStatusHandler suspends or reactivates a tenant. Suspension also
// evicts the tenant's pooled connection so in-flight handles drain out.
func setTenantStatusHandler(router *tenantdb.Router, status models.TenantStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		ctx := c.Request.Context()
		if err := models.SetTenantStatus(ctx, tenantId, status); err != nil {
			if errors.Is(err, models.ErrTenantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if status == models.TenantStatusSuspended {
			if err := router.Evict(tenantId); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantId, "status": status})
	}
}

func repairConnectionHandler(provisioner *tenantdb.Provisioner, router *tenantdb.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId := c.Param("tenantId")
		rec, err := provisioner.RepairConnectionUrl(c.Request.Context(), tenantId)
		if err != nil {
			if errors.Is(err, models.ErrTenantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// A stale pooled handle would keep using the old DSN.
		if err := router.Evict(tenantId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func replayDeadJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.Atoi(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		rec, err := models.ReplayDeadJob(c.Request.Context(), jobId)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no DEAD job with that id"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// pubsubPushEnvelope is the wrapper Pub/Sub wraps around pushed messages.
type pubsubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// deliveryEventPushHandler receives delivery events echoed back over a push
// subscription. Returning non-2xx makes Pub/Sub redeliver, so malformed
// payloads are acked and logged rather than bounced forever.
func deliveryEventPushHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope pubsubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
			return
		}
		var evt config.DeliveryEvent
		if err := json.Unmarshal(envelope.Message.Data, &evt); err != nil {
			config.LogError(logger, "server.go", "deliveryEventPushHandler", "decode delivery event", envelope.Message.MessageId, err)
			c.Status(http.StatusNoContent)
			return
		}
		logger.WithFields(logrus.Fields{
			"job_id":              evt.JobId,
			"tenant_id":           evt.TenantId,
			"status":              evt.Status,
			"attempt":             evt.Attempt,
			"provider_message_id": evt.ProviderMessageId,
			"pubsub_message_id":   envelope.Message.MessageId,
		}).Info("delivery event received")
		c.Status(http.StatusNoContent)
	}
}

func respondTenantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTenantSuspended):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetRegistryDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	factory := tenantdb.NewGormHandleFactory()
	router := tenantdb.NewRouter(factory, logger)
	provisioner := tenantdb.NewProvisioner(factory, logger)
	allowance := &workflow.AllowanceChecker{Router: router}

	r.POST("/provision", provisionHandler(provisioner))
	r.POST("/tenants/:tenantId/members", createMemberHandler(router))
	r.GET("/tenants/:tenantId/members", listMembersHandler(router))
	r.POST("/tenants/:tenantId/blasts", blastHandler(router, allowance))
	r.POST("/tenants/:tenantId/messages", sendMessageHandler(router))
	r.GET("/tenants/:tenantId/jobs", listJobsHandler())
	r.GET("/tenants/:tenantId/jobs/:jobId", jobStatusHandler())
	// Ops tooling (admin only).
	r.POST("/internal/ops/tenants/:tenantId/suspend", setTenantStatusHandler(router, models.TenantStatusSuspended))
	r.POST("/internal/ops/tenants/:tenantId/activate", setTenantStatusHandler(router, models.TenantStatusActive))
	r.POST("/internal/ops/tenants/:tenantId/repair-connection", repairConnectionHandler(provisioner, router))
	r.POST("/internal/ops/delivery/:jobId/replay", replayDeadJobHandler())
	r.POST("/internal/events/delivery", deliveryEventPushHandler(logger))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectRegistryWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetRegistryDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateRegistry()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the delivery dispatcher once the registry is ready.
	provider, err := workflow.NewHTTPProvider()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "provider"}).Panic(err.Error())
	}
	// The pubsub sink re-checks the flag per publish; the noop sink skips the
	// client machinery entirely for deployments without an events topic.
	events := workflow.NewNoopEventSink()
	if config.DeliveryEventsEnabled() {
		events = workflow.NewPubSubEventSink(logger)
	}
	worker := &workflow.DeliveryWorker{
		Gate:     workflow.NewRegistryGate(),
		Provider: provider,
		Outcomes: workflow.NewRouterOutcomeWriter(router),
		Events:   events,
		Logger:   logger,
	}
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewDeliveryDispatcher(db, worker, logger).Run(dispatcherCtx)

	// Terminal rows age out so the dispatch index stays small.
	go func() {
		retention := time.Duration(config.IntFromEnv("JOB_RETENTION_HOURS", 720)) * time.Hour
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-dispatcherCtx.Done():
				return
			case <-ticker.C:
				if n, err := models.PurgeTerminalJobs(dispatcherCtx, retention); err != nil {
					config.LogError(logger, "server.go", "main", "purge terminal jobs", nil, err)
				} else if n > 0 {
					logger.WithFields(logrus.Fields{"field": "purge", "rows": n}).Info("purged terminal delivery jobs")
				}
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Tenant handles, then Redis (best-effort).
	if err := router.Close(); err != nil {
		logger.WithFields(logrus.Fields{"field": "tenantdb"}).Error("router close failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
