package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/queue"
)

const qrImageSize = 300

// Handler exposes the attendance engine over HTTP.
type Handler struct {
	svc   *attendance.Service
	queue queue.Queue
	loc   *time.Location
}

// New builds a handler. loc interprets date-only parameters.
func New(svc *attendance.Service, q queue.Queue, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, queue: q, loc: loc}
}

// Register mounts every route on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/sessions", h.createSession)
	g.POST("/sessions/generate", h.generateSessions)
	g.GET("/sessions/:id", h.getSession)
	g.POST("/sessions/:id/open", h.transition((*attendance.Service).OpenSession))
	g.POST("/sessions/:id/close", h.transition((*attendance.Service).CloseSession))
	g.POST("/sessions/:id/cancel", h.transition((*attendance.Service).CancelSession))
	g.POST("/sessions/:id/lock", h.transition((*attendance.Service).LockSession))
	g.POST("/sessions/:id/qr", h.issueQR)
	g.GET("/sessions/:id/roster", h.roster)
	g.GET("/sessions/:id/records", h.records)
	g.POST("/sessions/:id/bulk", h.bulkMark)
	g.GET("/sessions/:id/corrections", h.listCorrections)

	g.POST("/attendance", h.submit)
	g.POST("/sync/offline", h.syncOffline)

	g.POST("/corrections", h.createCorrection)
	g.POST("/corrections/:id/decision", h.decideCorrection)
	g.POST("/corrections/:id/cancel", h.cancelCorrection)

	g.GET("/students/:id/summary", h.summary)
	g.GET("/audit/:entity/:id", h.listAudit)

	g.GET("/settings", h.policy)
	g.PUT("/settings/:key", h.putSetting)
}

// Instrument records request latency per route.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestDuration.
			WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func actor(c *gin.Context) (attendance.Actor, bool) {
	a, ok := auth.ActorFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "authorization", "code": "missing_token", "message": "no actor on request"}})
	}
	return a, ok
}

func (h *Handler) parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, h.loc)
}

type createSessionBody struct {
	SectionID string     `json:"section_id"`
	Date      string     `json:"date"`
	SlotID    string     `json:"slot_id"`
	StartsAt  *time.Time `json:"starts_at"`
	EndsAt    *time.Time `json:"ends_at"`
	Room      string     `json:"room"`
	Makeup    bool       `json:"makeup"`
}

func (h *Handler) createSession(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := h.parseDate(body.Date)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return
	}
	req := attendance.CreateSessionRequest{
		SectionID: body.SectionID,
		Date:      date,
		SlotID:    body.SlotID,
		Room:      body.Room,
		Makeup:    body.Makeup,
	}
	if body.StartsAt != nil {
		req.StartsAt = *body.StartsAt
	}
	if body.EndsAt != nil {
		req.EndsAt = *body.EndsAt
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (h *Handler) generateSessions(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if !a.IsAdmin {
		writeError(c, &attendance.Error{Kind: attendance.KindAuthorization, Code: attendance.ErrForbidden.Code, Message: "only admins may generate sessions"})
		return
	}
	var body struct {
		Date string `json:"date"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := h.parseDate(body.Date)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return
	}
	created, err := h.svc.GenerateSessions(c.Request.Context(), date)
	if err != nil && len(created) == 0 {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created, "count": len(created)})
}

func (h *Handler) getSession(c *gin.Context) {
	if _, ok := actor(c); !ok {
		return
	}
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type transitionFunc func(*attendance.Service, context.Context, attendance.Actor, string) (attendance.Session, error)

func (h *Handler) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := actor(c)
		if !ok {
			return
		}
		sess, err := fn(h.svc, c.Request.Context(), a, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess})
	}
}

func (h *Handler) issueQR(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	token, expiry, err := h.svc.IssueQR(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "png" {
		png, err := qrcode.Encode(token, qrcode.Medium, qrImageSize)
		if err != nil {
			logging.Error().Err(err).Str("session_id", c.Param("id")).Msg("qr render failed")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Header("X-QR-Expires-At", expiry.UTC().Format(time.RFC3339))
		c.Data(http.StatusOK, "image/png", png)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiry})
}

func (h *Handler) roster(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if !a.Staff() {
		writeError(c, &attendance.Error{Kind: attendance.KindAuthorization, Code: attendance.ErrForbidden.Code, Message: "roster is restricted to staff"})
		return
	}
	entries, err := h.svc.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": entries})
}

func (h *Handler) records(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	records, err := h.svc.Records(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !a.Staff() {
		own := records[:0]
		for _, r := range records {
			if r.StudentID == a.ID {
				own = append(own, r)
			}
		}
		records = own
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) submit(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rec, err := h.svc.Submit(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (h *Handler) bulkMark(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var body struct {
		Source attendance.Source     `json:"source"`
		Items  []attendance.BulkItem `json:"items"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	summary, err := h.svc.BulkMark(c.Request.Context(), a, c.Param("id"), body.Items, body.Source)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) syncOffline(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var batch attendance.OfflineBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		badRequest(c, err.Error())
		return
	}
	batch.Actor = a
	if err := h.svc.ValidateOfflineBatch(batch); err != nil {
		writeError(c, err)
		return
	}
	msg, err := queue.Encode(queue.TypeOfflineSync, batch)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
		metrics.OfflineQueueMessages.WithLabelValues("publish_failed").Inc()
		writeError(c, err)
		return
	}
	metrics.OfflineQueueMessages.WithLabelValues("queued").Inc()
	c.JSON(http.StatusAccepted, gin.H{"queued": len(batch.Items)})
}

func (h *Handler) listCorrections(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.svc.ListCorrections(c.Request.Context(), a, c.Param("id"), attendance.CorrectionStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrections": list})
}

func (h *Handler) createCorrection(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req attendance.CreateCorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	out, err := h.svc.CreateCorrection(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"correction": out})
}

func (h *Handler) decideCorrection(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var body struct {
		Approve *bool  `json:"approve"`
		Note    string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.Approve == nil {
		badRequest(c, "approve is required")
		return
	}
	out, err := h.svc.DecideCorrection(c.Request.Context(), a, c.Param("id"), *body.Approve, body.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"correction": out})
}

func (h *Handler) cancelCorrection(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	out, err := h.svc.CancelCorrection(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"correction": out})
}

func (h *Handler) summary(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	q := attendance.SummaryQuery{StudentID: c.Param("id"), SectionID: c.Query("section_id")}
	for name, dst := range map[string]**time.Time{"start": &q.Start, "end": &q.End} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		d, err := h.parseDate(v)
		if err != nil {
			badRequest(c, name+" must be YYYY-MM-DD")
			return
		}
		*dst = &d
	}
	sum, err := h.svc.GetSummary(c.Request.Context(), a, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) listAudit(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	limit, offset := 0, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	entries, err := h.svc.ListAudit(c.Request.Context(), a, attendance.EntityType(c.Param("entity")), c.Param("id"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "offset": offset})
}

func (h *Handler) policy(c *gin.Context) {
	if _, ok := actor(c); !ok {
		return
	}
	p, err := h.svc.Policy(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

func (h *Handler) putSetting(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.svc.PutSetting(c.Request.Context(), a, c.Param("key"), body.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setting": s})
}
