package handlers

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondJSON сериализует payload в ответ с указанным статусом
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondError возвращает ошибку в стандартном формате
func respondError(w http.ResponseWriter, status int, message, details string) {
	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
