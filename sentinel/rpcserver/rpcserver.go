// Package rpcserver is the JSON-RPC command plane (§6): a single HTTP
// POST endpoint at /v1/rpc accepting {method, params} bodies, each
// forwarded to a command.Handler and serialized back as JSON. Modeled
// on shared/gateway's mux.Router + JSON (de)serialization idiom,
// adapted from its grpc-gateway proxy role to a direct local dispatch
// table, since this sentinel has no gRPC service behind it.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/command"
)

var log = logrus.WithField("prefix", "rpcserver")

// maxBodyBytes enforces §6's "content-length <= 16 KiB".
const maxBodyBytes = 16 * 1024

// request is the {method, params} envelope every call arrives in.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server is the Coordinator-registered HTTP JSON-RPC listener.
type Server struct {
	addr    string
	handler command.Handler
	srv     *http.Server
}

// New constructs a Server bound to addr (not yet listening).
func New(addr string, handler command.Handler) *Server {
	s := &Server{addr: addr, handler: handler}
	router := mux.NewRouter()
	router.HandleFunc("/v1/rpc", s.serveRPC).Methods(http.MethodPost)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start implements service.Service: listens in the background, logging
// (not panicking on) a bind failure so the rest of the node still
// starts.
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.addr).Info("rpc server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("rpc server stopped")
		}
	}()
}

// Stop implements service.Service.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Status implements service.Service.
func (s *Server) Status() error {
	return nil
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	// Every inbound call gets a correlation id for log tracing across
	// the dispatch (the WS control plane tags logs per connection).
	reqID := uuid.New()
	entry := log.WithField("request_id", reqID)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		entry.WithError(err).Debug("could not decode rpc request")
		writeJSON(w, http.StatusBadRequest, response{Error: "could not decode request: " + err.Error()})
		return
	}

	entry = entry.WithField("method", req.Method)
	result, err := dispatch(s.handler, req.Method, req.Params)
	if err != nil {
		entry.WithError(err).Debug("rpc call failed")
		writeJSON(w, http.StatusOK, response{Error: err.Error()})
		return
	}
	entry.Debug("rpc call ok")
	writeJSON(w, http.StatusOK, response{Result: result})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("could not encode rpc response")
	}
}

// dispatch implements §6's recognized operations: init, resetChain,
// getCoreState, getUserOps, getUserOpList, getCancellableUserOps(nOps),
// removeUserOp(uid), getLatestBlockNumbers, processBatch(args),
// getStatus, getAddress.
func dispatch(h command.Handler, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "init":
		var args command.InitArgs
		if err := unmarshalParams(params, &args); err != nil {
			return nil, err
		}
		return nil, h.Init(args)
	case "resetChain":
		var args command.ResetChainArgs
		if err := unmarshalParams(params, &args); err != nil {
			return nil, err
		}
		return nil, h.ResetChain(args)
	case "getCoreState":
		return h.GetCoreState()
	case "getUserOps":
		return h.GetUserOps()
	case "getUserOpList":
		return h.GetUserOpList()
	case "getCancellableUserOps":
		var args struct {
			NOps int `json:"nOps"`
		}
		if err := unmarshalParams(params, &args); err != nil {
			return nil, err
		}
		return h.GetCancellableUserOps(args.NOps)
	case "removeUserOp":
		var args struct {
			UID common.Hash `json:"uid"`
		}
		if err := unmarshalParams(params, &args); err != nil {
			return nil, err
		}
		return nil, h.RemoveUserOp(args.UID)
	case "getLatestBlockNumbers":
		return h.GetLatestBlockNumbers()
	case "processBatch":
		var args command.ProcessBatchArgs
		if err := unmarshalParams(params, &args); err != nil {
			return nil, err
		}
		return nil, h.ProcessBatch(args)
	case "getStatus":
		return h.GetStatus()
	case "getAddress":
		return h.GetAddress()
	default:
		return nil, &ErrUnknownMethod{Method: method}
	}
}

func unmarshalParams(params json.RawMessage, dest interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, dest)
}
