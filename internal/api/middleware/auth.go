package middleware

import (
	"crypto/subtle"
	"net/http"

	"arbtrader/pkg/crypto"
)

// BasicAuth - HTTP Basic аутентификация оператора.
//
// Пароль сверяется с bcrypt хешем (OPERATOR_PASSWORD_HASH), имя - constant-time
// сравнением. Пустой хеш отключает проверку (локальный запуск).
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.BasicAuth(cfg.OperatorUsername, cfg.OperatorPasswordHash))
func BasicAuth(username, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if passwordHash == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}

			// bcrypt выполняется и при неверном имени
			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passMatch := crypto.CheckPasswordMatch(pass, passwordHash)

			if !userMatch || !passMatch {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="arbtrader"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
