package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbtrader/internal/api/handlers"
	"arbtrader/internal/api/middleware"
	"arbtrader/pkg/utils"
)

// Dependencies содержит зависимости ops API
type Dependencies struct {
	Engine  handlers.EngineView
	History handlers.CycleHistory // nil - БД выключена, маршруты журнала не регистрируются
	Stream  http.HandlerFunc      // WebSocket поток событий (websocket.Hub.ServeWS)

	OperatorUsername     string
	OperatorPasswordHash string
	AllowedOrigins       []string

	Log *utils.Logger
}

// SetupRoutes настраивает HTTP маршруты операторской поверхности.
//
// Структура маршрутов:
//
//	/health                          - liveness
//	/metrics                         - Prometheus
//	/api/v1/
//	├── GET /cycles                  - идущие циклы
//	├── GET /connections             - соединения площадок
//	├── GET /cycles/history          - журнал циклов (при включённой БД)
//	├── GET /cycles/history/{id}     - один цикл из журнала
//	└── GET /stats                   - агрегаты журнала
//	/ws/stream                       - WebSocket: котировки, сигналы, итоги
//
// Middleware: Recovery, Logging, CORS для всех маршрутов;
// BasicAuth для /api/v1 и /ws/stream.
func SetupRoutes(deps *Dependencies) *mux.Router {
	log := deps.Log
	if log == nil {
		log = utils.L()
	}

	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	auth := middleware.BasicAuth(deps.OperatorUsername, deps.OperatorPasswordHash)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)
	// без собственного обработчика подроутер отдаёт 404 на чужой метод
	api.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	ops := handlers.NewOpsHandler(deps.Engine)
	api.HandleFunc("/cycles", ops.GetCycles).Methods("GET", "OPTIONS")
	api.HandleFunc("/connections", ops.GetConnections).Methods("GET", "OPTIONS")

	if deps.History != nil {
		history := handlers.NewHistoryHandler(deps.History)
		api.HandleFunc("/cycles/history", history.ListCycles).Methods("GET", "OPTIONS")
		api.HandleFunc("/cycles/history/{id:[0-9]+}", history.GetCycle).Methods("GET", "OPTIONS")
		api.HandleFunc("/stats", history.GetStats).Methods("GET", "OPTIONS")
	}

	if deps.Stream != nil {
		router.Handle("/ws/stream", auth(deps.Stream)).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
