package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/replicas", ac.getReplicas).Methods("GET")
	r.HandleFunc("/replicas/check", ac.checkReplicasHandler).Methods("POST")
	r.HandleFunc("/retry", ac.getRetry).Methods("GET")
	r.HandleFunc("/ping", ac.getPing).Methods("GET")
	r.HandleFunc("/loglevel", ac.putLogLevel).Methods("PUT")
	r.Handle("/metrics", promhttp.HandlerFor(ac.Registry, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	err := ac.writeJSON(w, http.StatusOK, envelope{"status": "ok"}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getReplicas(w http.ResponseWriter, _ *http.Request) {
	ac.mu.Lock()
	status := ac.Router.Status()
	ac.mu.Unlock()
	payload := envelope{"topology": ac.Config.Key(), "router": status}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}

func (ac *appContext) checkReplicasHandler(w http.ResponseWriter, r *http.Request) {
	health := ac.Sweeper.Sweep(r.Context())
	payload := envelope{"replicas": health}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}

func (ac *appContext) getRetry(w http.ResponseWriter, _ *http.Request) {
	ac.mu.Lock()
	status := ac.Strategy.Status()
	ac.mu.Unlock()
	err := ac.writeJSON(w, http.StatusOK, envelope{"retry": status}, nil)
	if err != nil {
		ac.logError(err)
	}
}

// getPing runs a read through the retrying connection and reports which
// server answered.
func (ac *appContext) getPing(w http.ResponseWriter, r *http.Request) {
	ac.mu.Lock()
	server, err := ac.pingRead(r.Context())
	ac.mu.Unlock()
	if err != nil {
		ac.backendError(w, err)
		return
	}
	err = ac.writeJSON(w, http.StatusOK, envelope{"server": server}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) pingRead(ctx context.Context) (string, error) {
	rows, err := ac.Conn.Query(ctx, "SELECT 1")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if last := ac.Router.LastConnection(); last != nil {
		return last.String(), nil
	}
	return "", nil
}

func (ac *appContext) putLogLevel(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	if err := SetLevel(level); err != nil {
		ac.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	err := ac.writeJSON(w, http.StatusOK, envelope{"level": level}, nil)
	if err != nil {
		ac.logError(err)
	}
}
