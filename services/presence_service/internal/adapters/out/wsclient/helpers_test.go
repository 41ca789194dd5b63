package wsclient

import (
	"net/http"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/ws"
)

func httpHandler(srv *ws.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleConnection)
	mux.HandleFunc("/ws/dashboard", srv.HandleDashboard)
	return mux
}
