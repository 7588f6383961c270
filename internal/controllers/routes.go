package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter registers every endpoint. Middleware is applied by the caller.
func NewRouter(sc *SessionController, hc *HealthController) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", hc.HealthCheckHandler).Methods(http.MethodGet)

	// Desktop
	r.HandleFunc("/sessions", sc.CreateSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{token}/qr", sc.QRCodeHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{token}/poll", sc.PollHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{token}/challenge", sc.ChallengeHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{token}/answer", sc.SubmitAnswerHandler).Methods(http.MethodPost)

	// Mobile
	r.HandleFunc("/sessions/{token}", sc.MobileViewHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{token}/status", sc.UpdateStatusHandler).Methods(http.MethodPost)

	r.HandleFunc("/rate-limit/wrong-answer", sc.WrongAnswerHandler).Methods(http.MethodPost)
	r.HandleFunc("/credentials/authorize", sc.AuthorizeCredentialsHandler).Methods(http.MethodPost)

	return r
}
