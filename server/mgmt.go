package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// The management surface is a set of read-only JSON views over the store:
// accounts, orders, certificates and the change log. It is meant for
// operators, not ACME clients, and carries none of the ACME protocol
// headers.

func (srv *Server) mgmtAccountsHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	accounts, err := session.Accounts()
	if err != nil {
		srv.mgmtError(w, err)
		return
	}
	srv.mgmtJSON(w, accounts)
}

func (srv *Server) mgmtOrdersHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	orders, err := session.Orders()
	if err != nil {
		srv.mgmtError(w, err)
		return
	}
	srv.mgmtJSON(w, orders)
}

func (srv *Server) mgmtCertificatesHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	certificates, err := session.Certificates()
	if err != nil {
		srv.mgmtError(w, err)
		return
	}
	srv.mgmtJSON(w, certificates)
}

func (srv *Server) mgmtChangesHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	changes, err := session.Changes()
	if err != nil {
		srv.mgmtError(w, err)
		return
	}
	srv.mgmtJSON(w, changes)
}

func (srv *Server) mgmtJSON(w http.ResponseWriter, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		srv.mgmtError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (srv *Server) mgmtError(w http.ResponseWriter, err error) {
	srv.logger.Error("management query failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
