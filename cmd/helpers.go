package main

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

type envelope map[string]any

func (ac *appContext) writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}
	js = append(js, '\n')
	for key, value := range headers {
		w.Header()[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	return err
}

func (ac *appContext) errorResponse(w http.ResponseWriter, status int, message any) {
	if err := ac.writeJSON(w, status, envelope{"error": message}, nil); err != nil {
		ac.logError(err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// backendError answers 503 for a failed database call, exposing the
// dialect error code and whether the retry strategy had a policy for it.
func (ac *appContext) backendError(w http.ResponseWriter, err error) {
	_, code, retryable := ac.Strategy.Classify(err)
	ac.Logger.Error("database call failed", zap.String("code", code),
		zap.Bool("retryable", retryable), zap.Error(err))
	ac.errorResponse(w, http.StatusServiceUnavailable, envelope{
		"message":   "Failed to query database",
		"code":      code,
		"retryable": retryable,
	})
}

func (ac *appContext) logError(err error) {
	ac.Logger.Error(err.Error(), zap.ByteString("stack", debug.Stack()))
}

// logJson traces a response payload.
func (ac *appContext) logJson(message any) {
	if ce := ac.Logger.Check(zap.DebugLevel, "response"); ce != nil {
		ce.Write(zap.Any("payload", message))
	}
}
