package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"qrattendance/internal/attendance"
	"qrattendance/internal/auth"
	"qrattendance/internal/clock"
	"qrattendance/internal/kiosk"
	"qrattendance/internal/metrics"
	"qrattendance/internal/qrcode"
	"qrattendance/internal/queue"
	"qrattendance/internal/report"
	"qrattendance/internal/source"
	"qrattendance/internal/store"
)

const (
	maxImageBytes   = 8 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Deps are the collaborators of the HTTP API. Redis and Metrics may be nil.
type Deps struct {
	Repo            *attendance.Repository
	Enroller        *attendance.Enroller
	Queue           queue.Queue
	Feed            *kiosk.Feed
	Exporter        *report.Exporter
	Issuer          *auth.Issuer
	DB              *store.DB
	Redis           *store.Redis
	Metrics         *metrics.Metrics
	Clock           clock.Clock
	Window          clock.Window
	RegistrationKey string
	Logger          *slog.Logger
}

type Handler struct {
	Deps
	logger *slog.Logger
}

func New(d Deps) *Handler {
	return &Handler{Deps: d, logger: d.Logger.With("module", "http")}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok", "db": h.DB.Healthy(ctx)}
	healthy := body["db"].(bool)
	if h.Redis != nil {
		redisHealthy := h.Redis.Healthy(ctx)
		body["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// ---------- Devices ----------

type registerRequest struct {
	DeviceID        string `json:"device_id" binding:"required"`
	RegistrationKey string `json:"registration_key"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.RegistrationKey != "" && subtle.ConstantTimeCompare([]byte(req.RegistrationKey), []byte(h.RegistrationKey)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid registration key"})
		return
	}

	if err := h.Repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
		h.logger.Error("register device", "device_id", req.DeviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device registration failed"})
		return
	}

	tokens, err := h.Issuer.Issue(c.Request.Context(), req.DeviceID, auth.RoleDevice)
	if err != nil {
		h.logger.Error("issue tokens", "device_id", req.DeviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	h.logger.Info("device registered", "device_id", req.DeviceID)
	c.JSON(http.StatusCreated, tokens)
}

func (h *Handler) RefreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.Issuer.Refresh(c.Request.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongKind), errors.Is(err, auth.ErrTokenRevoked):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	case err != nil:
		h.logger.Error("refresh tokens", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token refresh failed"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// ---------- Scans ----------

// SubmitScan queues a decoded code. The text is taken verbatim; the decision is
// available from the decisions feed once the loop has processed it.
func (h *Handler) SubmitScan(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, req.Text)
}

// SubmitImage decodes the first QR code of an uploaded image and queues it.
func (h *Handler) SubmitImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)
	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	defer file.Close()

	text, err := source.NewDecoder().DecodeReader(file)
	switch {
	case errors.Is(err, source.ErrNoCode):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no QR code found in image"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, text)
}

func (h *Handler) enqueue(c *gin.Context, text string) {
	src := "http"
	if claims, ok := auth.FromContext(c); ok {
		src = "http:" + claims.Subject
	}
	scan := queue.NewScan(text, h.Clock.Now(), src)
	if err := h.Queue.Publish(c.Request.Context(), scan); err != nil {
		if h.Metrics != nil {
			h.Metrics.PublishFailures.Inc()
		}
		h.logger.Error("queue publish failed", "scan_id", scan.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": scan.ID, "text": scan.Text, "observed_at": scan.ObservedAt})
}

// ---------- Decisions ----------

func (h *Handler) ListDecisions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{"decisions": h.Feed.Recent(limit)})
}

func (h *Handler) GetDecision(c *gin.Context) {
	entry, ok := h.Feed.Lookup(c.Param("scan_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not available"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	today := clock.DateOf(h.Clock.Now())

	present, err := h.Repo.CountEventsOn(ctx, today)
	if err != nil {
		h.logger.Error("stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "statistics unavailable"})
		return
	}
	enrolled, err := h.Repo.CountPersons(ctx)
	if err != nil {
		h.logger.Error("stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "statistics unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"day":      today,
		"present":  present,
		"enrolled": enrolled,
		"window":   h.Window.String(),
		"open":     h.Window.ContainsTime(h.Clock.Now()),
		"outcomes": h.Feed.Counts(),
	})
}

// ---------- Persons ----------

func (h *Handler) ListPersons(c *gin.Context) {
	persons, err := h.Repo.ListPersons(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"persons": persons})
}

func (h *Handler) CreatePerson(c *gin.Context) {
	var in attendance.EnrollInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.Enroller.Enroll(c.Request.Context(), in)
	var verr *attendance.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields})
		return
	case errors.Is(err, attendance.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("enroll", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
		return
	}

	body := gin.H{"person": res.Person, "qr_location": res.ImageLocation}
	if res.ImageErr != nil {
		body["qr_error"] = res.ImageErr.Error()
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) PersonQR(c *gin.Context) {
	p, err := h.Repo.FindByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "person not found"})
		return
	}
	size := queryInt(c, "size", qrcode.DefaultSize)
	if size < qrcode.MinSize || size > qrcode.MaxSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("size must be between %d and %d", qrcode.MinSize, qrcode.MaxSize)})
		return
	}
	png, err := qrcode.Render(p.ExternalCode, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s.png"`, qrcode.BaseName(*p)))
	c.Data(http.StatusOK, "image/png", png)
}

// ---------- Events & Reports ----------

func (h *Handler) ListEvents(c *gin.Context) {
	f := attendance.EventFilter{
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
		PersonID: int64(queryInt(c, "person_id", 0)),
	}
	var err error
	if f.From, err = queryDate(c, "from", clock.Date{}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.To, err = queryDate(c, "to", clock.Date{}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.Repo.ListEvents(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) DailyReport(c *gin.Context) {
	today := clock.DateOf(h.Clock.Now())
	from, err := queryDate(c, "date", today)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := queryDate(c, "to", from)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, sum, err := h.Exporter.Build(c.Request.Context(), from, to)
	switch {
	case errors.Is(err, attendance.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("report", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, report.FileName(from, to)))
	c.Header("X-Report-Present", strconv.Itoa(sum.Present))
	c.Header("X-Report-Absent", strconv.Itoa(sum.Absent))
	c.Header("Content-Type", xlsxContentType)
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		h.logger.Error("write report", "error", err)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func queryDate(c *gin.Context, key string, fallback clock.Date) (clock.Date, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	d, err := clock.ParseDate(v)
	if err != nil {
		return clock.Date{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
