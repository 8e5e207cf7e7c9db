package uibridge

import (
	"fmt"
	"net/http"
	"time"

	"primus-kiosk/internal/config"
)

// NewHTTPServer binds the bridge to the loopback interface only; the
// embedded UI is the sole intended client.
func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.BridgePort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func Run(cfg config.Config, handler http.Handler) error {
	return NewHTTPServer(cfg, handler).ListenAndServe()
}
