package api

import (
	"net/http"
	"time"

	"AdStudio-server/models"
	"AdStudio-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 查询运行状态：GET /v1/api/runs/:run_id
func GetRunStatus(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := models.GetRunByID(models.GormDB, runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// 取消运行：流水线在下一个检查点协作式退出
func CancelGenerationRun(c *gin.Context) {
	runID := c.Param("run_id")
	if !service.CancelRun(runID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在或已结束"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "取消信号已发送"})
}

// 运行进度 WebSocket 推送（以数据库为来源：先读取 DB，然后循环轮询 DB 并推送）
// 流水线写回 DB 的逻辑由后台处理器负责，这里只订阅并推送最新数据。
func RunProgressWebSocket(c *gin.Context) {
	runID := c.Param("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	run, err := models.GetRunByID(models.GormDB, runID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "run not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(run)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := run.Status
	prevPhase := run.Phase

	for range ticker.C {
		cur, err := models.GetRunByID(models.GormDB, runID)
		if err != nil {
			continue
		}

		// 状态/阶段有变化才推送
		if cur.Status != prevStatus || cur.Phase != prevPhase {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevStatus = cur.Status
			prevPhase = cur.Phase
		}

		if cur.Status == models.RunStatusSuccess || cur.Status == models.RunStatusFailed || cur.Status == models.RunStatusCancelled {
			// 发送最终状态后关闭连接
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
