package routers

import (
	"AdStudio-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	// 兜底曲目等静态资源
	r.Static("/static", "./static")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/latest", api.GetLatestProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.GET("/runs/:run_id", api.GetRunStatus)
		v1.POST("/runs/:run_id/cancel", api.CancelGenerationRun)
	}
	r.GET("/runs/:run_id/wss", api.RunProgressWebSocket)
	return r
}
