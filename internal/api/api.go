// Package api exposes the analytics core over HTTP.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"oeecast/internal/aggregate"
	"oeecast/internal/apperr"
	"oeecast/internal/ingest"
	"oeecast/internal/metrics"
	"oeecast/internal/model"
	"oeecast/internal/oee"
	"oeecast/internal/predict"
	"oeecast/internal/simulate"
	"oeecast/internal/store"
)

const (
	ServiceName    = "OEE Analytics and Forecasting API"
	ServiceVersion = "1.0.0"
)

type Options struct {
	Store     store.Store
	Ingest    *ingest.Service
	Predict   *predict.Service
	Simulator *simulate.Simulator
	Metrics   *metrics.Registry
	Logger    *zap.SugaredLogger
	Now       func() time.Time

	PlannedWindow float64
	// CORSOrigins is a comma separated allow list; "*" or empty allows all.
	CORSOrigins string
}

type Server struct {
	store     store.Store
	ingest    *ingest.Service
	predict   *predict.Service
	simulator *simulate.Simulator
	metrics   *metrics.Registry
	log       *zap.SugaredLogger
	now       func() time.Time
	window    float64
	origins   string
}

func New(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		ingest:    opts.Ingest,
		predict:   opts.Predict,
		simulator: opts.Simulator,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
		window:    opts.PlannedWindow,
		origins:   opts.CORSOrigins,
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.now == nil {
		s.now = model.Now
	}
	if s.window == 0 {
		s.window = oee.DefaultPlannedWindow
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware(s.origins))

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	g := r.Group("/api")
	g.GET("/", s.root)
	g.GET("/health", s.health)

	g.GET("/machines", s.listMachines)
	g.POST("/machines", s.createMachine)
	g.GET("/machines/:id", s.getMachine)

	g.GET("/production", s.listProduction)
	g.POST("/production", s.createProduction)

	g.GET("/maintenance", s.listMaintenance)
	g.POST("/maintenance", s.createMaintenance)

	g.POST("/metrics/compute", s.computeMetrics)
	g.GET("/dashboard", s.dashboard)
	g.GET("/analytics/trends", s.trends)

	g.POST("/ml/train", s.train)
	g.POST("/ml/predict/:machine_id", s.forecast)
	g.GET("/predictions/:machine_id", s.predictions)

	if s.simulator != nil {
		g.POST("/simulate-data", s.simulateToday)
		g.POST("/init-sample-data", s.seedSample)
	}
	return r
}

func corsMiddleware(origins string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if origins == "" || origins == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = strings.Split(origins, ",")
	}
	return cors.New(cfg)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Infow("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindInvalidInput, apperr.KindInsufficientData, apperr.KindModelNotTrained:
		return http.StatusBadRequest
	case apperr.KindNoDataForMachine, apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON body. Internal details stay in the log.
func (s *Server) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "path", c.FullPath(), "kind", kind.String(), "error", err)
		detail = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": kind.String(), "detail": detail})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Invalid("%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": ServiceName, "version": ServiceVersion})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "healthy", "timestamp": s.now().UTC()}
	if s.predict != nil {
		body["model"] = s.predict.ModelState().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listMachines(c *gin.Context) {
	ms, err := s.store.ListMachines(c.Request.Context())
	if err != nil {
		s.fail(c, apperr.Persistence("list machines", err))
		return
	}
	c.JSON(http.StatusOK, ms)
}

func (s *Server) createMachine(c *gin.Context) {
	var in ingest.MachineInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, apperr.Invalid("%v", err))
		return
	}
	m, err := s.ingest.AddMachine(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) getMachine(c *gin.Context) {
	m, err := s.store.GetMachine(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// recordsSince loads records dated within the last days days, optionally for
// one machine.
func (s *Server) recordsSince(c *gin.Context, days int) ([]model.ProductionRecord, error) {
	recs, err := s.store.FindRecords(c.Request.Context(), store.Query{
		MachineID: c.Query("machine_id"),
		Since:     model.DaysAgo(s.now(), days),
	})
	if err != nil {
		return nil, apperr.Persistence("find records", err)
	}
	return recs, nil
}

func (s *Server) listProduction(c *gin.Context) {
	days, err := intQuery(c, "days", aggregate.DefaultTrendWindowDays)
	if err != nil {
		s.fail(c, err)
		return
	}
	recs, err := s.recordsSince(c, days)
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []model.ProductionRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) createProduction(c *gin.Context) {
	var in model.ProductionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, apperr.Invalid("%v", err))
		return
	}
	rec, err := s.ingest.Ingest(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) listMaintenance(c *gin.Context) {
	limit, err := intQuery(c, "limit", ingest.DefaultMaintenanceLimit)
	if err != nil {
		s.fail(c, err)
		return
	}
	logs, err := s.ingest.Maintenance(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) createMaintenance(c *gin.Context) {
	var in ingest.MaintenanceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, apperr.Invalid("%v", err))
		return
	}
	l, err := s.ingest.LogMaintenance(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

type computeRequest struct {
	Output        float64  `json:"output"`
	Downtime      float64  `json:"downtime"`
	Efficiency    float64  `json:"efficiency"`
	QualityRate   *float64 `json:"quality_rate"`
	PlannedWindow *float64 `json:"planned_window"`
}

func (s *Server) computeMetrics(c *gin.Context) {
	var req computeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Invalid("%v", err))
		return
	}
	quality, window := 1.0, s.window
	if req.QualityRate != nil {
		quality = *req.QualityRate
	}
	if req.PlannedWindow != nil {
		window = *req.PlannedWindow
	}
	m, err := oee.Compute(req.Output, req.Downtime, req.Efficiency, quality, window)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := s.store.CountMachines(ctx)
	if err != nil {
		s.fail(c, apperr.Persistence("count machines", err))
		return
	}
	recs, err := s.store.FindRecords(ctx, store.Query{Since: model.DaysAgo(s.now(), aggregate.DefaultKPIWindowDays)})
	if err != nil {
		s.fail(c, apperr.Persistence("find records", err))
		return
	}
	c.JSON(http.StatusOK, aggregate.Summarize(recs, n))
}

func (s *Server) trends(c *gin.Context) {
	days, err := intQuery(c, "days", aggregate.DefaultTrendWindowDays)
	if err != nil {
		s.fail(c, err)
		return
	}
	recs, err := s.recordsSince(c, days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregate.BuildTrends(recs))
}

func (s *Server) train(c *gin.Context) {
	report, err := s.predict.Train(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Model trained successfully", "report": report})
}

func (s *Server) forecast(c *gin.Context) {
	days, err := intQuery(c, "days_ahead", predict.DefaultHorizonDays)
	if err != nil {
		s.fail(c, err)
		return
	}
	machineID := c.Param("machine_id")
	preds, err := s.predict.Forecast(c.Request.Context(), machineID, days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "predictions": preds})
}

func (s *Server) predictions(c *gin.Context) {
	limit, err := intQuery(c, "limit", predict.DefaultHistoryLimit)
	if err != nil {
		s.fail(c, err)
		return
	}
	ps, err := s.predict.History(c.Request.Context(), c.Param("machine_id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ps == nil {
		ps = []model.Prediction{}
	}
	c.JSON(http.StatusOK, ps)
}

func (s *Server) simulateToday(c *gin.Context) {
	res, err := s.simulator.SimulateToday(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) seedSample(c *gin.Context) {
	res, err := s.simulator.SeedSample(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
