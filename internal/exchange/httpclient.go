// Package exchange предоставляет клиент REST API биржи.
package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig содержит настройки HTTP клиента для биржи
type HTTPClientConfig struct {
	// Таймауты соединения
	ConnectTimeout time.Duration // таймаут установки TCP соединения (default: 5s)
	ReadTimeout    time.Duration // таймаут чтения ответа (default: 10s)
	TotalTimeout   time.Duration // общий таймаут операции (default: 30s)

	// Connection pooling
	MaxIdleConns        int           // максимум idle соединений (default: 50)
	MaxIdleConnsPerHost int           // максимум idle соединений на хост (default: 10)
	IdleConnTimeout     time.Duration // таймаут простоя соединения (default: 90s)

	// TLS
	TLSHandshakeTimeout time.Duration // таймаут TLS handshake (default: 5s)

	// Keep-Alive
	KeepAliveInterval time.Duration // интервал Keep-Alive (default: 30s)
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
// Один хост (API биржи), поэтому pool скромнее чем для multi-venue
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// HTTPClient представляет настроенный HTTP клиент для API биржи
// Поддерживает connection pooling и детальные таймауты
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// globalClient - глобальный HTTP клиент для переиспользования соединений
var (
	globalClient     *HTTPClient
	globalClientOnce sync.Once
)

// GetGlobalHTTPClient возвращает глобальный HTTP клиент с настройками по умолчанию
// Использует singleton pattern для переиспользования connection pool
func GetGlobalHTTPClient() *HTTPClient {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient создаёт новый HTTP клиент с заданной конфигурацией
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: dialer.DialContext,

		// Connection pooling (Keep-Alive)
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		// TLS
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout, // общий таймаут как fallback
	}

	return &HTTPClient{
		client: client,
		config: config,
	}
}

// Do выполняет HTTP запрос
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return hc.client.Do(req)
}

// GetClient возвращает базовый http.Client
func (hc *HTTPClient) GetClient() *http.Client {
	return hc.client
}

// Close закрывает все idle соединения
// Должен вызываться при graceful shutdown
func (hc *HTTPClient) Close() {
	if transport, ok := hc.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
