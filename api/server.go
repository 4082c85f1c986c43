package api

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terellcodes/claim-assist/agent"
	"github.com/terellcodes/claim-assist/claims"
	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/decision"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/model"
	"github.com/terellcodes/claim-assist/policy"
)

const requestIDHeader = "X-Request-ID"

//go:embed openapi.yaml
var openAPISpecYAML []byte

type ClaimService interface {
	Submit(ctx context.Context, req model.ClaimRequest) (*claims.Response, error)
	Status(ctx context.Context, policyID string) (*claims.StatusResponse, error)
}

type PolicyService interface {
	Upload(ctx context.Context, filename string, data []byte) (model.PolicyMetadata, error)
	Metadata(ctx context.Context, policyID string) (policy.Metadata, error)
	Delete(ctx context.Context, policyID string) error
}

// AgentLister exposes the agent cache for health reporting.
type AgentLister interface {
	Entries() []agent.Entry
}

type Deps struct {
	Claims   ClaimService
	Policies PolicyService
	Agents   AgentLister
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server exposes the claim and policy workflows over HTTP.
type Server struct {
	cfg      config.ServerConfig
	claims   ClaimService
	policies PolicyService
	agents   AgentLister
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	engine   *gin.Engine
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type uploadResponse struct {
	Success  bool                 `json:"success"`
	Message  string               `json:"message"`
	PolicyID string               `json:"policy_id"`
	Metadata model.PolicyMetadata `json:"metadata"`
}

type agentHealthResponse struct {
	Status string        `json:"status"`
	Agents []agent.Entry `json:"agents"`
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      cfg,
		claims:   deps.Claims,
		policies: deps.Policies,
		agents:   deps.Agents,
		gatherer: gatherer,
		logger:   logger,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
			ExposeHeaders:    []string{requestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/openapi.yaml", s.handleOpenAPI)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	v1.GET("/health/agent", s.handleAgentHealth)

	policies := v1.Group("/policies")
	policies.POST("/upload", s.handleUpload)
	policies.GET("/:id/metadata", s.handlePolicyMetadata)
	policies.DELETE("/:id", s.handlePolicyDelete)

	claimRoutes := v1.Group("/claims")
	claimRoutes.POST("/submit", s.handleSubmit)
	claimRoutes.GET("/status/:policy_id", s.handleClaimStatus)

	return r
}

// requestID echoes a caller-supplied X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("request_id", c.GetString(requestIDHeader)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleOpenAPI(c *gin.Context) {
	c.Header("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	c.Data(http.StatusOK, "text/yaml; charset=utf-8", openAPISpecYAML)
}

func (s *Server) handleAgentHealth(c *gin.Context) {
	entries := []agent.Entry{}
	if s.agents != nil {
		entries = s.agents.Entries()
	}
	c.JSON(http.StatusOK, agentHealthResponse{Status: "healthy", Agents: entries})
}

func (s *Server) handleUpload(c *gin.Context) {
	if s.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	}
	header, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	f, err := header.Open()
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	meta, err := s.policies.Upload(c.Request.Context(), header.Filename, data)
	if err != nil {
		s.writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, uploadResponse{
		Success:  true,
		Message:  meta.Summary,
		PolicyID: meta.PolicyID,
		Metadata: meta,
	})
}

func (s *Server) handlePolicyMetadata(c *gin.Context) {
	meta, err := s.policies.Metadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handlePolicyDelete(c *gin.Context) {
	id := c.Param("id")
	if err := s.policies.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("policy %s deleted", id)})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req model.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	resp, err := s.claims.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClaimStatus(c *gin.Context) {
	resp, err := s.claims.Status(c.Request.Context(), c.Param("policy_id"))
	if err != nil {
		s.writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// statusFor maps domain errors to HTTP codes. A malformed model decision is a
// bad upstream reply, distinct from a needs_review verdict.
func statusFor(err error) int {
	var (
		verr *model.ValidationError
		ferr *decision.FormatError
		mbe  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrNotPDF), errors.Is(err, policy.ErrEmptyUpload), errors.Is(err, policy.ErrNoPolicyText):
		return http.StatusBadRequest
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, index.ErrNamespaceNotFound):
		return http.StatusNotFound
	case errors.As(err, &ferr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, status int, err error) {
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDHeader)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", fields...)
	} else {
		s.logger.Info("api request rejected", fields...)
	}
	body := errorResponse{Error: err.Error()}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	c.AbortWithStatusJSON(status, body)
}
