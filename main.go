package main

import (
	"fmt"
	"log"

	"AdStudio-server/config"
	"AdStudio-server/models"
	"AdStudio-server/routers"
	"AdStudio-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	store, err := service.NewOSSStore()
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}

	processor := service.NewProcessor(models.GormDB, store)
	processor.StartProcessor(2)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
