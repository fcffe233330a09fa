package httpapi

import (
	"net/http"

	"chat_gateway/internal/utils"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth reports the status of the gateway's backing services.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	healthy := true

	if err := d.DB.Health(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if d.Redis != nil {
		if err := d.Redis.Health(r.Context()); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	utils.RespondWithJSON(w, code, healthResponse{Status: status, Checks: checks})
}
