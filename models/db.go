package models

import (
	"database/sql"
	"log"
	"time"

	"AdStudio-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功")

	// 自动建表
	if err := GormDB.AutoMigrate(&Project{}, &Scene{}, &GenerationRun{}); err != nil {
		log.Printf("自动建表失败（跳过）: %v", err)
	}
}

// Project CRUD
func CreateProject(db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return db.Create(p).Error
}

func GetProjectByID(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProjectSnapshot 覆盖写入项目快照及其全部镜头。
// 持久化是尽力而为的：调用方只记录错误，不会因此中断流水线。
func SaveProjectSnapshot(db *gorm.DB, p *Project, scenes []Scene) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := db.Save(p).Error; err != nil {
		return err
	}
	for i := range scenes {
		scenes[i].ProjectId = p.ID
		if scenes[i].CreatedAt.IsZero() {
			scenes[i].CreatedAt = now
		}
		scenes[i].UpdatedAt = now
		if err := db.Save(&scenes[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

// LoadLatestProject 取最近更新的项目快照，没有则返回 gorm.ErrRecordNotFound
func LoadLatestProject(db *gorm.DB) (*Project, []Scene, error) {
	var p Project
	if err := db.Order("updated_at DESC").First(&p).Error; err != nil {
		return nil, nil, err
	}
	scenes, err := GetScenesByProjectID(db, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return &p, scenes, nil
}

func DeleteProjectByID(db *gorm.DB, id string) error {
	if err := db.Where("project_id = ?", id).Delete(&Scene{}).Error; err != nil {
		return err
	}
	return db.Delete(&Project{}, "id = ?", id).Error
}

func CreateRun(db *gorm.DB, r *GenerationRun) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	return db.Create(r).Error
}
