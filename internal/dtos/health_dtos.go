package dtos

type HealthCheckResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}
