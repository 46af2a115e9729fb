package middleware

import (
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic в любом handler, логирует stack trace и
// возвращает клиенту 500 Internal Server Error; сервер продолжает
// обрабатывать последующие запросы.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %v\n", err)
				log.Printf("Stack trace:\n%s", debug.Stack())

				http.Error(
					w,
					fmt.Sprintf("Internal Server Error: %v", err),
					http.StatusInternalServerError,
				)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
