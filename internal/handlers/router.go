package handlers

import (
	"net/http"
	"strings"
	"time"

	"CF-FORMS/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// OperatorHeader carries the id of the operator acting on a form. It is
// recorded as the actor of every audit entry.
const OperatorHeader = "X-Operator-ID"

const actorKey = "actor"

type RouterDeps struct {
	Templates    *services.TemplateService
	Instances    *services.InstanceService
	Generation   *services.GenerationService
	Activity     *services.ActivityLogService
	AllowOrigins []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(corsConfig(d.AllowOrigins)))
	r.Use(operatorMiddleware())
	r.MaxMultipartMemory = maxUploadBytes

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	templates := NewTemplateHandler(d.Templates)
	instances := NewInstanceHandler(d.Instances, d.Generation)
	logs := NewLogsHandler(d.Activity)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/templates", templates.Create)
		v1.GET("/templates", templates.List)
		v1.GET("/templates/:templateId", templates.Get)
		v1.PUT("/templates/:templateId", templates.Update)
		v1.DELETE("/templates/:templateId", templates.Delete)
		v1.POST("/templates/:templateId/source", templates.UploadSource)
		v1.GET("/templates/:templateId/fields", templates.Checklist)

		v1.POST("/instances", instances.GetOrCreate)
		v1.GET("/instances/:instanceId", instances.Get)
		v1.PATCH("/instances/:instanceId/values", instances.RecordValues)
		v1.POST("/instances/:instanceId/signature", instances.RecordSignature)
		v1.POST("/instances/:instanceId/generate", instances.Generate)
		v1.GET("/instances/:instanceId/document", instances.Download)
		v1.GET("/instances/:instanceId/activity", logs.GetInstanceLogs)

		v1.GET("/subjects/:subjectId/instances", instances.ListBySubject)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", OperatorHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func operatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(actorKey, strings.TrimSpace(c.GetHeader(OperatorHeader)))
		c.Next()
	}
}

func actor(c *gin.Context) string {
	if a := c.GetString(actorKey); a != "" {
		return a
	}
	return "anonymous"
}
