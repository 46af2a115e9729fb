package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"dcabot/pkg/crypto"
)

// debugUsername и debugPassword для защиты debug endpoints.
// Загружаются из переменных окружения DEBUG_USERNAME и DEBUG_PASSWORD.
// Если не установлены, debug endpoints будут недоступны в production.
var (
	debugUsername = os.Getenv("DEBUG_USERNAME")
	debugPassword = os.Getenv("DEBUG_PASSWORD")
)

// DebugAuth - middleware для защиты debug/pprof endpoints
//
// Использует HTTP Basic Authentication:
// - DEBUG_USERNAME: имя пользователя
// - DEBUG_PASSWORD: пароль
// - Если переменные не установлены, в production доступ запрещен
//
// Сравнение constant-time для предотвращения timing attacks.
func DebugAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Если credentials не настроены, запрещаем доступ в production
		if debugUsername == "" || debugPassword == "" {
			// В development (если явно не настроено) разрешаем доступ
			if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Debug endpoints disabled. Set DEBUG_USERNAME and DEBUG_PASSWORD.", http.StatusForbidden)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Debug endpoints"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(debugUsername)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(debugPassword)) == 1

		if !userMatch || !passMatch {
			w.Header().Set("WWW-Authenticate", `Basic realm="Debug endpoints"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Auth - middleware для аутентификации API запросов
//
// Бот однопользовательский, поэтому вместо JWT достаточно одного
// API токена. В конфигурации хранится только его bcrypt hash
// (API_TOKEN_HASH); сам токен передается в заголовке
// Authorization: Bearer <token>.
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.Auth(cfg.Security.APITokenHash))
func Auth(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !crypto.CheckTokenMatch(token, tokenHash) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
