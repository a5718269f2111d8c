package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"hydrotwin-backend/internal/baseline"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type server struct {
	solver  baseline.Solver
	timeout time.Duration
	logger  *slog.Logger
}

// dispatch returns the response and the HTTP status to send it with.
func (s *server) dispatch(ctx context.Context, req rpcRequest) (rpcResponse, int) {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, -32600, "invalid request"), http.StatusBadRequest
	}
	switch req.Method {
	case baseline.SolveMethod:
		var topology baseline.Topology
		if err := json.Unmarshal(req.Params, &topology); err != nil || topology.Name == "" {
			return errorResponse(req.ID, -32602, "invalid params"), http.StatusBadRequest
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		snapshot, err := s.solver.Solve(ctx, topology)
		if err != nil {
			s.logger.Warn("solve failed", slog.String("network", topology.Name), slog.String("error", err.Error()))
			var solverErr *baseline.SolverError
			if errors.As(err, &solverErr) {
				return errorResponse(req.ID, -32000, solverErr.Error()), http.StatusUnprocessableEntity
			}
			return errorResponse(req.ID, -32603, err.Error()), http.StatusInternalServerError
		}
		s.logger.Info("solved", slog.String("network", topology.Name), slog.Int("values", snapshot.Len()))
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: snapshot.Data()}, http.StatusOK
	default:
		return errorResponse(req.ID, -32601, "method not found"), http.StatusNotFound
	}
}

func errorResponse(id any, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPC(w, http.StatusMethodNotAllowed, errorResponse(nil, -32600, "method not allowed"))
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusBadRequest, errorResponse(nil, -32700, "invalid json"))
		return
	}
	resp, status := s.dispatch(r.Context(), req)
	writeRPC(w, status, resp)
}

// serveStdio answers a single request read from in, the contract of the
// solver's stdio transport.
func (s *server) serveStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	var req rpcRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return json.NewEncoder(out).Encode(errorResponse(nil, -32700, "invalid json"))
	}
	resp, _ := s.dispatch(ctx, req)
	return json.NewEncoder(out).Encode(resp)
}

func writeRPC(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
