package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"killswitch/internal/api/handlers"
	"killswitch/internal/api/middleware"
	"killswitch/internal/service"
	"killswitch/internal/websocket"
	"killswitch/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Operator       service.OperatorServiceInterface
	Hub            *websocket.Hub // nil - поток /ws/stream не регистрируется
	Logger         *utils.Logger
	APIToken       string
	AllowedOrigins []string
}

// SetupRoutes настраивает все HTTP маршруты
//
// Структура маршрутов:
//
// /api/v1/ (Bearer токен, если задан server.api_token)
//
//	├── GET  /status   - статус (?verify=true - сверка с журналом)
//	├── POST /trigger  - ручной kill
//	├── POST /context  - торговый контекст, прогон триггеров
//	├── POST /recover  - восстановление с кодом подтверждения
//	├── GET  /recovery - фаза восстановления
//	├── GET  /health   - проверки здоровья
//	└── GET  /audit    - журнал аудита
//
// /ws/stream - WebSocket поток событий (без авторизации, только чтение)
// /metrics   - Prometheus
// /health    - liveness процесса
//
// Middleware: Recovery -> Logging -> CORS для всех маршрутов, BearerAuth для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	// /api/v1 - полные пути на корневом router, иначе mux отвечает 404 вместо 405
	auth := middleware.BearerAuth(deps.APIToken)
	handle := func(path string, fn http.HandlerFunc, methods ...string) {
		router.Handle("/api/v1"+path, auth(fn)).Methods(methods...)
	}

	if deps.Operator != nil {
		ks := handlers.NewKillSwitchHandler(deps.Operator)

		handle("/status", ks.GetStatus, http.MethodGet)
		handle("/trigger", ks.Trigger, http.MethodPost, http.MethodOptions)
		handle("/context", ks.SubmitContext, http.MethodPost, http.MethodOptions)
		handle("/recover", ks.Recover, http.MethodPost, http.MethodOptions)
		handle("/recovery", ks.GetRecovery, http.MethodGet)
		handle("/health", ks.GetHealth, http.MethodGet)
		handle("/audit", ks.GetAudit, http.MethodGet)
	}

	if deps.Hub != nil {
		router.Handle("/ws/stream", deps.Hub)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}
