package server

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers the /debug/pprof handlers
	"time"

	"github.com/jonesrussell/worklens/internal/logger"
)

// StartPprof serves the standard pprof endpoints on a localhost-only side
// port, keeping profiling off the public listener. It returns immediately;
// the listener runs for the process lifetime.
func StartPprof(log logger.Logger, port int) {
	addr := fmt.Sprintf("localhost:%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // DefaultServeMux, where net/http/pprof registers
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("pprof server listening",
			logger.String("address", "http://"+addr+"/debug/pprof/"))
		if err := srv.ListenAndServe(); err != nil {
			log.Error("pprof server stopped", logger.Error(err))
		}
	}()
}
