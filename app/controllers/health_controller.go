package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// RunningBots lists the bots with a live instance.
type RunningBots interface {
	Running() []uint
}

type HealthController struct {
	db      *gorm.DB
	running RunningBots
}

func NewHealthController(db *gorm.DB, running RunningBots) *HealthController {
	return &HealthController{db: db, running: running}
}

// HandleHealth reports database reachability and the running bot count.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	status := fiber.StatusOK
	overall, database := "ok", "ok"
	if hc.db != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		sqlDB, err := hc.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status = fiber.StatusServiceUnavailable
			overall, database = "degraded", "unreachable"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"status":       overall,
		"database":     database,
		"running_bots": len(hc.running.Running()),
	})
}
