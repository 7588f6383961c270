// Command migrate applies the embedded schema migrations.
//
//	migrate [up|down]
package main

import (
	"os"

	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/db"
	"github.com/poofware/login-guard-service/internal/utils"
)

func main() {
	utils.InitLogger(config.DefaultAppName+"-migrate", os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	if err := db.Migrate(os.Getenv("DATABASE_URL"), direction); err != nil {
		utils.Logger.WithError(err).Fatalf("Migration %s failed", direction)
	}
	utils.Logger.Infof("Migration %s complete", direction)
}
