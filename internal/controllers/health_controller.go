package controllers

import (
	"net/http"

	"github.com/poofware/login-guard-service/internal/app"
	"github.com/poofware/login-guard-service/internal/dtos"
	"github.com/poofware/login-guard-service/internal/utils"
)

type HealthController struct {
	app *app.App
}

func NewHealthController(app *app.App) *HealthController {
	return &HealthController{
		app: app,
	}
}

func (c *HealthController) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if c.app.UsesMemoryStores() {
		utils.RespondWithJSON(w, http.StatusOK, dtos.HealthCheckResponse{Status: "OK", Storage: "memory"})
		return
	}

	// Check database connectivity
	if err := c.app.DB.Ping(r.Context()); err != nil {
		utils.RespondErrorWithCode(
			w,
			http.StatusServiceUnavailable,
			utils.ErrCodeServiceUnavailable,
			"Database unreachable",
			nil,
			err,
		)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.HealthCheckResponse{Status: "OK", Storage: "postgres"})
}
