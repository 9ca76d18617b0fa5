package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/compression"
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

type response struct {
	Accepted int    `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// newHandler serves POST /v1/{logs,metrics,traces} with a JSON records body,
// optionally compressed as named by Content-Encoding
func newHandler(g *group, maxBody int64, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	for _, sig := range pdata.Signals {
		mux.HandleFunc("/v1/"+sig.String(), func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
				return
			}
			recs, err := decodeBody(w, req, sig, maxBody)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
				return
			}
			payload, err := pdata.FromRecords(recs)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
				return
			}

			err = g.submit(req.Context(), payload)
			status := statusFor(err)
			if status == http.StatusOK {
				writeJSON(w, status, response{Accepted: payload.Items()})
				return
			}
			if errors.Is(err, context.Canceled) {
				// client went away
				return
			}
			if status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			logger.Debug("ingest request failed", zap.Stringer("signal", sig), zap.Error(err))
			writeJSON(w, status, response{Error: err.Error()})
		})
	}
	return mux
}

func decodeBody(w http.ResponseWriter, req *http.Request, sig pdata.Signal, maxBody int64) (*pdata.Records, error) {
	body := io.Reader(http.MaxBytesReader(w, req.Body, maxBody))
	if enc := strings.TrimSpace(req.Header.Get("Content-Encoding")); enc != "" && enc != "identity" {
		codec, err := compression.Get(compression.Algorithm(enc))
		if err != nil {
			return nil, err
		}
		rc, err := codec.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		body = rc
	}

	var recs pdata.Records
	if err := json.NewDecoder(body).Decode(&recs); err != nil {
		return nil, err
	}
	if recs.Signal == 0 {
		recs.Signal = sig
	}
	if recs.Signal != sig {
		return nil, errors.New("body signal " + recs.Signal.String() + " does not match path " + sig.String())
	}
	return &recs, nil
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrQueueFull), errors.Is(err, core.ErrPendingFull),
		errors.Is(err, ErrClosed), errors.Is(err, core.ErrNodeStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTimeout), errors.Is(err, core.ErrDrainTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
