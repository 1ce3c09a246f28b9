package service

import (
	"context"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type HealthzServer struct {
	ctx          context.Context
	server       *http.Server
	schedulePath string
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := mux.NewRouter()
	hdlr.HandleFunc("/healthz", h.Handle)
	hdlr.HandleFunc("/schedule", h.HandleSchedule)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

// HandleSchedule serves the persisted schedule so external observers can
// follow dynamic schedule changes while the run is in flight.
func (h *HealthzServer) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.schedulePath)
	if err != nil {
		log.Debug("schedule not available yet", "path", h.schedulePath, "err", err)
		http.Error(w, "schedule not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data) //nolint:errcheck
}
