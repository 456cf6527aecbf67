// Package wsserver is the WebSocket control plane (§6): frames are
// base64(utf-8 json) encodings of a WebSocketMessagesEncodable-style
// tagged union, dispatched to the same command.Handler the HTTP
// sentinel/rpcserver uses. Modeled on sentinel/rpcclient's use of
// gorilla/websocket-adjacent go-ethereum rpc transport, applied here
// to the inbound control-plane direction instead of the outbound
// EVM-node connection.
package wsserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/proofcastlabs/pbridge-sentinel/sentinel/command"
	"github.com/proofcastlabs/pbridge-sentinel/sentinel/userops"
)

var log = logrus.WithField("prefix", "wsserver")

// heavyCallTimeout / singleCallTimeout are §6's default websocket
// timeouts: 10s for heavy calls (GetUserOps, GetUserOpList), 3s for
// single calls.
const (
	heavyCallTimeout  = 10 * time.Second
	singleCallTimeout = 3 * time.Second
)

// frame is the wire shape of one WebSocketMessagesEncodable variant:
// a Type tag plus an opaque Payload, the whole thing base64-encoded
// before being written/read as a websocket text message.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane is a local operator tool, not a public API;
	// any origin is accepted, matching the HTTP endpoint's lack of CORS
	// restriction.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the Coordinator-registered WebSocket listener.
type Server struct {
	addr    string
	handler command.Handler
	srv     *http.Server
}

// New constructs a Server bound to addr (not yet listening).
func New(addr string, handler command.Handler) *Server {
	s := &Server{addr: addr, handler: handler}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", s.serveWS)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start implements service.Service.
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.addr).Info("ws server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ws server stopped")
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

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("could not upgrade websocket connection")
		return
	}
	defer conn.Close()

	// connID correlates every frame on this connection in the log,
	// mirroring the HTTP plane's per-request id.
	connID := uuid.New()
	entry := log.WithField("conn_id", connID)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := decodeFrame(raw)
		if err != nil {
			entry.WithError(err).Debug("could not decode ws frame")
			s.writeFrame(conn, errorFrame(err), singleCallTimeout)
			continue
		}
		entry.WithField("type", f.Type).Debug("ws frame dispatched")
		resp := s.dispatchFrame(f)
		s.writeFrame(conn, resp, callTimeout(f.Type))
	}
}

// callTimeout classifies a frame type into §6's heavy/single call
// timeout budget.
func callTimeout(frameType string) time.Duration {
	switch frameType {
	case "GetUserOps", "GetUserOpList":
		return heavyCallTimeout
	default:
		return singleCallTimeout
	}
}

// writeFrame bounds how long a response write may block by the call's
// timeout budget, rather than the connection's default deadline.
func (s *Server) writeFrame(conn *websocket.Conn, f frame, timeout time.Duration) {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return
	}
	encoded, err := encodeFrame(f)
	if err != nil {
		log.WithError(err).Error("could not encode ws response frame")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		log.WithError(err).Debug("could not write ws response frame")
	}
}

func decodeFrame(raw []byte) (frame, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(decoded, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func encodeFrame(f frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return []byte(encoded), nil
}

func successFrame(v interface{}) frame {
	payload, err := json.Marshal(v)
	if err != nil {
		return errorFrame(err)
	}
	return frame{Type: "Success", Payload: payload}
}

func errorFrame(err error) frame {
	payload, _ := json.Marshal(err.Error())
	return frame{Type: "Error", Payload: payload}
}

// dispatchFrame dispatches one decoded frame to the command.Handler,
// implementing every WebSocketMessagesEncodable variant (§6).
func (s *Server) dispatchFrame(f frame) frame {
	switch f.Type {
	case "Null":
		return frame{Type: "Null"}
	case "GetUserOps":
		ops, err := s.handler.GetUserOps()
		if err != nil {
			return errorFrame(err)
		}
		return successFrame(ops)
	case "GetCoreState":
		state, err := s.handler.GetCoreState()
		if err != nil {
			return errorFrame(err)
		}
		return successFrame(state)
	case "GetUserOpList":
		list, err := s.handler.GetUserOpList()
		if err != nil {
			return errorFrame(err)
		}
		return successFrame(list)
	case "GetLatestBlockNumbers":
		nums, err := s.handler.GetLatestBlockNumbers()
		if err != nil {
			return errorFrame(err)
		}
		return successFrame(nums)
	case "GetCancellableUserOps":
		var nOps uint64
		if err := json.Unmarshal(f.Payload, &nOps); err != nil {
			return errorFrame(err)
		}
		ops, err := s.handler.GetCancellableUserOps(int(nOps))
		if err != nil {
			return errorFrame(err)
		}
		return successFrame(ops)
	case "RemoveUserOp":
		var uid common.Hash
		if err := json.Unmarshal(f.Payload, &uid); err != nil {
			return errorFrame(err)
		}
		if err := s.handler.RemoveUserOp(uid); err != nil {
			return errorFrame(err)
		}
		return successFrame(nil)
	case "Submit":
		var op userops.UserOp
		if err := json.Unmarshal(f.Payload, &op); err != nil {
			return errorFrame(err)
		}
		if err := s.handler.Submit(&op); err != nil {
			return errorFrame(err)
		}
		return successFrame(nil)
	case "Initialize":
		var args command.InitArgs
		if err := json.Unmarshal(f.Payload, &args); err != nil {
			return errorFrame(err)
		}
		if err := s.handler.Init(args); err != nil {
			return errorFrame(err)
		}
		return successFrame(nil)
	case "ResetChain":
		var args command.ResetChainArgs
		if err := json.Unmarshal(f.Payload, &args); err != nil {
			return errorFrame(err)
		}
		if err := s.handler.ResetChain(args); err != nil {
			return errorFrame(err)
		}
		return successFrame(nil)
	default:
		return errorFrame(&ErrUnknownFrameType{Type: f.Type})
	}
}
