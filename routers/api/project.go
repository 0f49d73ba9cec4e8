package api

import (
	"log"
	"net/http"
	"time"

	"AdStudio-server/models"
	"AdStudio-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建项目并发起一次生成运行
func CreateProject(c *gin.Context) {
	var req struct {
		Title          string   `json:"title"`
		Prompt         string   `json:"prompt" binding:"required"`
		Style          string   `json:"style"`
		AspectRatio    string   `json:"aspect_ratio"`
		Voice          string   `json:"voice"`
		ReferenceTexts []string `json:"reference_texts"`
		ReferenceLinks []string `json:"reference_links"`
		// base64 编码的参考图
		ReferenceImages []string `json:"reference_images"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "16:9"
	}

	project := models.Project{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Style:        req.Style,
		AspectRatio:  req.AspectRatio,
		CurrentPhase: models.PhasePlanning,
		IsGenerating: true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	// 1) 插入 project 到 DB
	if err := models.CreateProject(models.GormDB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	// 2) 创建生成运行并入队
	run := models.GenerationRun{
		ID:        uuid.NewString(),
		ProjectId: project.ID,
		Status:    models.RunStatusPending,
		Phase:     models.PhasePlanning,
		Message:   "生成运行已创建，正在排队...",
		Parameters: models.RunParameters{
			Prompt:         req.Prompt,
			Style:          req.Style,
			AspectRatio:    req.AspectRatio,
			Voice:          req.Voice,
			ReferenceTexts:  req.ReferenceTexts,
			ReferenceLinks:  req.ReferenceLinks,
			ReferenceImages: req.ReferenceImages,
		},
		Issues:    models.RunIssueList{},
		StartedAt: time.Now(),
	}
	if err := models.CreateRun(models.GormDB, &run); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建运行失败: " + err.Error()})
		return
	}
	if err := service.EnqueueRun(run.ID); err != nil {
		log.Printf("运行入队失败: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"project_id": project.ID,
			"run_id":     run.ID,
			"message":    "运行已创建，但入队失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"run_id":     run.ID,
	})
}

// 获取项目详情（含镜头列表）
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	scenes, err := models.GetScenesByProjectID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取镜头失败: " + err.Error()})
		return
	}

	resp := gin.H{
		"project": project,
		"scenes":  scenes,
	}
	// 最近一次运行的问题列表一并带回，没有运行记录不算错误
	if run, err := models.GetLatestRunByProjectID(models.GormDB, projectID); err == nil {
		resp["issues"] = run.Issues
		resp["run_id"] = run.ID
	}
	c.JSON(http.StatusOK, resp)
}

// 获取最近一次编辑的项目
func GetLatestProject(c *gin.Context) {
	project, scenes, err := models.LoadLatestProject(models.GormDB)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "暂无项目"})
		return
	}
	resp := gin.H{
		"project": project,
		"scenes":  scenes,
	}
	if run, err := models.GetLatestRunByProjectID(models.GormDB, project.ID); err == nil {
		resp["issues"] = run.Issues
		resp["run_id"] = run.ID
	}
	c.JSON(http.StatusOK, resp)
}

func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := models.DeleteProjectByID(models.GormDB, projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "项目已删除"})
}
