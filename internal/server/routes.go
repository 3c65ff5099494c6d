package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.handleInfo)
	v1.POST("/reconcile", s.handleReconcile)

	bot := v1.Group("/bots/:bot")
	bot.DELETE("", s.handleRemoveBot)
	bot.POST("/detect-lang", s.handleDetectLanguage)

	lang := bot.Group("/languages/:lang")
	lang.POST("/train", s.handleTrain)
	lang.GET("/status", s.handleStatus)
	lang.POST("/cancel", s.handleCancel)
	lang.POST("/predict", s.handlePredict)
	lang.DELETE("", s.handleRemoveModel)
}

type utteranceRequest struct {
	Utterance string `json:"utterance" binding:"required"`
}

// statusFor maps lifecycle errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, nlu.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, nlu.ErrNoModelAvailable), errors.Is(err, nlu.ErrNoTraining):
		return http.StatusNotFound
	case errors.Is(err, nlu.ErrTrainingCanceled), errors.Is(err, nlu.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, nlu.ErrTrainingErrored):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nlu.ErrTrainingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, nlu.ErrConnectivity):
		return http.StatusServiceUnavailable
	case errors.Is(err, nlu.ErrRemoteRejection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleInfo(c *gin.Context) {
	if s.info == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"success": false, "error": "remote info is not configured"})
		return
	}
	info, err := s.info.Info(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "info": info})
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.lifecycle.Reconcile(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) handleTrain(c *gin.Context) {
	var def nlu.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, err)
		return
	}
	bot, lang := c.Param("bot"), c.Param("lang")

	if c.Query("wait") == "false" {
		s.background(func(ctx context.Context) {
			if _, err := s.lifecycle.EnsureModel(ctx, bot, lang, def, nil); err != nil {
				s.logger.Warn("background training failed",
					zap.String("bot", bot), zap.String("language", lang), zap.Error(err))
			}
		})
		c.JSON(http.StatusAccepted, gin.H{"success": true, "accepted": true})
		return
	}

	out, err := s.lifecycle.EnsureModel(c.Request.Context(), bot, lang, def, nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"modelId":        out.ModelID.String(),
		"definitionHash": out.DefinitionHash,
		"cacheHit":       out.CacheHit,
		"attached":       out.Attached,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.lifecycle.Status(c.Request.Context(), c.Param("bot"), c.Param("lang"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": st})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.lifecycle.CancelTraining(c.Request.Context(), c.Param("bot"), c.Param("lang")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handlePredict(c *gin.Context) {
	var req utteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.lifecycle.Predict(c.Request.Context(), c.Param("bot"), c.Param("lang"), req.Utterance)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "prediction": out})
}

func (s *Server) handleDetectLanguage(c *gin.Context) {
	var req utteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	lang, err := s.lifecycle.DetectLanguage(c.Request.Context(), c.Param("bot"), req.Utterance)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "language": lang})
}

func (s *Server) handleRemoveModel(c *gin.Context) {
	if err := s.lifecycle.RemoveModel(c.Request.Context(), c.Param("bot"), c.Param("lang")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRemoveBot(c *gin.Context) {
	langs, err := s.lifecycle.RemoveBot(c.Request.Context(), c.Param("bot"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if langs == nil {
		langs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "languages": langs})
}
