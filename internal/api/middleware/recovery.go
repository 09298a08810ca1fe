package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"arbtrader/pkg/utils"
)

// Recovery перехватывает panic в handler, логирует stack trace и
// отвечает 500. Торговое ядро паника в HTTP слое не затрагивает.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic in http handler",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
