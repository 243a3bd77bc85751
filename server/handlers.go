package server

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/keys"
	"github.com/cpu/acmebroker/acme/resources"
	"github.com/cpu/acmebroker/db"
)

// directoryHandler serves the resource map.
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (srv *Server) directoryHandler(w http.ResponseWriter, r *http.Request) {
	meta := map[string]interface{}{}
	if srv.config.TOSURL != "" {
		meta["termsOfService"] = srv.config.TOSURL
	}
	directory := map[string]interface{}{
		acme.NEW_NONCE_ENDPOINT:   srv.urls.NewNonceURL(),
		acme.NEW_ACCOUNT_ENDPOINT: srv.urls.NewAccountURL(),
		acme.NEW_ORDER_ENDPOINT:   srv.urls.NewOrderURL(),
		acme.REVOKE_CERT_ENDPOINT: srv.urls.RevokeCertURL(),
		acme.KEY_CHANGE_ENDPOINT:  srv.urls.KeyChangeURL(),
		"meta":                    meta,
	}
	srv.writeJSON(w, r, http.StatusOK, directory)
}

// newNonceHandler issues a fresh nonce. HEAD answers 200, GET 204.
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (srv *Server) newNonceHandler(w http.ResponseWriter, r *http.Request) {
	srv.addProtocolHeaders(w)
	status := http.StatusNoContent
	if r.Method == http.MethodHead {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	srv.countRequest(r, status)
}

// newAccountPayload is the body of a new-account request.
// See https://tools.ietf.org/html/rfc8555#section-7.3
type newAccountPayload struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

func (srv *Server) newAccountHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url:        srv.urls.NewAccountURL(),
		requireJWK: true,
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	var payload newAccountPayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
			"the request payload was not valid JSON"))
		return
	}

	if err := srv.checkAccountKey(auth.jwk); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	existing, err := session.AccountByKey(auth.jwk)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if existing != nil {
		w.Header().Set("Location", srv.urls.AccountURL(existing.KID))
		srv.writeJSON(w, r, http.StatusOK, existing.Serialize(srv.urls))
		return
	}
	if payload.OnlyReturnExisting {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrAccountDoesNotExist,
			"no account exists for the given public key"))
		return
	}

	if srv.config.TOSURL != "" && !payload.TermsOfServiceAgreed {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrTOSNotAgreed,
			"the terms of service must be agreed to: %s", srv.config.TOSURL))
		return
	}
	if err := srv.validateContacts(payload.Contact); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	account, newErr := resources.NewAccount(auth.jwk, payload.Contact,
		payload.TermsOfServiceAgreed, srv.clk.Now())
	if newErr != nil {
		srv.writeProblem(w, r, newErr)
		return
	}
	if err := session.Put(account); err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if err := session.Commit(); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	srv.logger.Info("registered account", zap.String("kid", account.KID))
	w.Header().Set("Location", srv.urls.AccountURL(account.KID))
	srv.writeJSON(w, r, http.StatusCreated, account.Serialize(srv.urls))
}

// accountHandler serves account reads (POST-as-GET) and updates.
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
func (srv *Server) accountHandler(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url: srv.urls.AccountURL(kid),
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if auth.account.KID != kid {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnauthorized,
			"the authenticated account does not match the request URL"))
		return
	}

	if len(auth.payload) > 0 {
		var upd resources.AccountUpdate
		if err := json.Unmarshal(auth.payload, &upd); err != nil {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
				"the request payload was not valid JSON"))
			return
		}
		if upd.Contact != nil {
			if err := srv.validateContacts(upd.Contact); err != nil {
				srv.writeProblem(w, r, err)
				return
			}
		}
		if err := auth.account.Update(upd); err != nil {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed, "%s", err.Error()))
			return
		}
		if err := session.Put(auth.account); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
		if err := session.Commit(); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
	}

	srv.writeJSON(w, r, http.StatusOK, auth.account.Serialize(srv.urls))
}

// newOrderPayload is the body of a new-order request.
// See https://tools.ietf.org/html/rfc8555#section-7.4
type newOrderPayload struct {
	Identifiers []resources.Identifier `json:"identifiers"`
	NotBefore   string                 `json:"notBefore"`
	NotAfter    string                 `json:"notAfter"`
}

func (srv *Server) newOrderHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url: srv.urls.NewOrderURL(),
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	var payload newOrderPayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
			"the request payload was not valid JSON"))
		return
	}
	if err := validateIdentifiers(payload.Identifiers); err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	notBefore, err := parseOptionalTime(payload.NotBefore, "notBefore")
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	notAfter, err := parseOptionalTime(payload.NotAfter, "notAfter")
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	order, authzs, challenges, err := resources.NewOrder(auth.account.KID,
		payload.Identifiers, srv.validators.ChallengeTypes(),
		srv.clk.Now(), orderTTL, notBefore, notAfter)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	// In proxy mode the upstream order is created before the local one is
	// committed; upstream refusals surface to the client unchanged.
	hooks, hasHooks := srv.engine.(newOrderHooks)
	if hasHooks {
		if err := hooks.orderCreated(r.Context(), order); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
	}

	auth.account.OrderIDs = append(auth.account.OrderIDs, order.ID)
	writeErr := session.Put(auth.account)
	if writeErr == nil {
		writeErr = session.Put(order)
	}
	for _, authz := range authzs {
		if writeErr == nil {
			writeErr = session.Put(authz)
		}
	}
	for _, challenge := range challenges {
		if writeErr == nil {
			writeErr = session.Put(challenge)
		}
	}
	if writeErr == nil {
		writeErr = session.Commit()
	}
	if writeErr != nil {
		srv.writeProblem(w, r, writeErr)
		return
	}

	if hasHooks {
		kid, orderID := auth.account.KID, order.ID
		srv.spawn("complete-challenges", func(ctx context.Context) {
			hooks.orderCommitted(ctx, kid, orderID)
		})
	}

	srv.logger.Info("created order",
		zap.String("kid", auth.account.KID), zap.String("order", order.ID))
	w.Header().Set("Location", srv.urls.OrderURL(order.ID))
	srv.writeJSON(w, r, http.StatusCreated, order.Serialize(srv.urls))
}

// orderHandler serves order reads (POST-as-GET), reconciling the order's
// status against its authorizations first.
func (srv *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url:       srv.urls.OrderURL(id),
		postAsGet: true,
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	order, err := srv.revalidatedOrder(session, auth.account.KID, id)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if err := session.Commit(); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	w.Header().Set("Location", srv.urls.OrderURL(order.ID))
	srv.writeJSON(w, r, http.StatusOK, order.Serialize(srv.urls))
}

// revalidatedOrder loads an order, reconciles its status and stages any
// resulting transitions on the session. The caller commits; a session only
// ever commits once.
func (srv *Server) revalidatedOrder(session *db.Session, kid, id string) (*resources.Order, error) {
	order, err := session.Order(kid, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, acme.NotFoundProblem()
	}
	authzs, err := session.OrderAuthorizations(order)
	if err != nil {
		return nil, err
	}

	orderStatus := order.Status
	authzStatus := make([]resources.AuthorizationStatus, len(authzs))
	for i, authz := range authzs {
		authzStatus[i] = authz.Status
	}

	order.Revalidate(authzs, srv.clk.Now())

	var writeErr error
	if order.Status != orderStatus {
		writeErr = session.Put(order)
	}
	for i, authz := range authzs {
		if writeErr == nil && authz.Status != authzStatus[i] {
			writeErr = session.Put(authz)
		}
	}
	if writeErr != nil {
		return nil, writeErr
	}
	return order, nil
}

// ordersHandler serves the account's orders list. Pagination is not
// implemented; the full list is one page.
// See https://tools.ietf.org/html/rfc8555#section-7.1.2.1
func (srv *Server) ordersHandler(w http.ResponseWriter, r *http.Request) {
	kid := chi.URLParam(r, "kid")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url:       srv.urls.OrdersURL(kid),
		postAsGet: true,
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if auth.account.KID != kid {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnauthorized,
			"the authenticated account does not match the request URL"))
		return
	}

	orders := make([]string, 0, len(auth.account.OrderIDs))
	for _, orderID := range auth.account.OrderIDs {
		orders = append(orders, srv.urls.OrderURL(orderID))
	}
	srv.writeJSON(w, r, http.StatusOK, map[string][]string{"orders": orders})
}

// authorizationHandler serves authorization reads and client-requested
// deactivation.
// See https://tools.ietf.org/html/rfc8555#section-7.5
func (srv *Server) authorizationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url: srv.urls.AuthorizationURL(id),
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	authz, err := session.Authorization(auth.account.KID, id)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if authz == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}

	statusBefore := authz.Status
	authz.ExpireIfNeeded(srv.clk.Now())

	if len(auth.payload) > 0 {
		var upd resources.AuthorizationUpdate
		if err := json.Unmarshal(auth.payload, &upd); err != nil {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
				"the request payload was not valid JSON"))
			return
		}
		if err := authz.Update(upd); err != nil {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed, "%s", err.Error()))
			return
		}
	}

	if authz.Status != statusBefore {
		if err := session.Put(authz); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
		if err := session.Commit(); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
	}

	order, err := session.Order(auth.account.KID, authz.OrderID)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if order == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}
	challenges, err := session.AuthorizationChallenges(authz)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	ident := order.Identifier(authz.IdentifierID)
	srv.writeJSON(w, r, http.StatusOK, authz.Serialize(srv.urls, ident, challenges))
}

// challengeHandler accepts the client's "I am ready" signal for a
// challenge: it moves the challenge to PROCESSING synchronously and
// schedules the validation as a background task.
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (srv *Server) challengeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url: srv.urls.ChallengeURL(id),
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	challenge, err := session.Challenge(auth.account.KID, id)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if challenge == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}
	authz, err := session.Authorization(auth.account.KID, challenge.AuthorizationID)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if authz == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}
	order, err := session.Order(auth.account.KID, authz.OrderID)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if order == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}

	scheduled := challenge.Status == resources.ChallengePending
	challenge.Begin()
	if scheduled {
		if err := session.Put(challenge); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
		if err := session.Commit(); err != nil {
			srv.writeProblem(w, r, err)
			return
		}

		kid := auth.account.KID
		vctx := ValidationContext{
			Identifier: order.Identifier(authz.IdentifierID).BaseValue(),
			ClientIP:   clientIP(r),
		}
		srv.spawn("validate-challenge", func(ctx context.Context) {
			srv.validateChallenge(ctx, kid, challenge.ID, vctx)
		})
	}

	w.Header().Add("Link", fmt.Sprintf("<%s>;rel=\"up\"", srv.urls.AuthorizationURL(authz.ID)))
	srv.writeJSON(w, r, http.StatusOK, challenge.Serialize(srv.urls))
}

// validateChallenge is the background validation task. It re-reads the
// challenge by id, dispatches to the registered validator and cascades the
// outcome through the authorization to the order. Re-invocation after a
// terminal transition is a no-op.
func (srv *Server) validateChallenge(ctx context.Context, kid, challengeID string, vctx ValidationContext) {
	session := srv.store.Begin("validate")
	challenge, err := session.Challenge(kid, challengeID)
	if err != nil || challenge == nil {
		srv.logger.Warn("validation task could not load challenge",
			zap.String("challenge", challengeID), zap.Error(err))
		return
	}
	if challenge.Status.Terminal() {
		return
	}

	now := srv.clk.Now()
	result := "valid"
	validationErr := srv.validators.Validate(ctx, challenge, vctx)
	switch e := validationErr.(type) {
	case nil:
		challenge.Succeed(now)
	case *CouldNotValidate:
		challenge.Fail(acme.NewProblem(acme.ErrUnauthorized, "%s", e.Detail))
		result = "invalid"
	default:
		srv.logger.Error("challenge validation errored unexpectedly",
			zap.String("challenge", challengeID), zap.Error(validationErr))
		challenge.Fail(acme.NewProblem(acme.ErrUnauthorized,
			"the challenge could not be validated"))
		result = "invalid"
	}
	srv.metrics.validations.WithLabelValues(string(challenge.Type), result).Inc()

	authz, err := session.Authorization(kid, challenge.AuthorizationID)
	if err != nil || authz == nil {
		srv.logger.Warn("validation task could not load authorization",
			zap.String("challenge", challengeID), zap.Error(err))
		return
	}
	siblings, err := session.AuthorizationChallenges(authz)
	if err != nil {
		srv.logger.Warn("validation task could not load challenges", zap.Error(err))
		return
	}
	// the freshly mutated challenge replaces its stale database copy
	for i, sibling := range siblings {
		if sibling.ID == challenge.ID {
			siblings[i] = challenge
		}
	}
	deleted := authz.Finalize(siblings)
	for _, deletedID := range deleted {
		session.DeleteChallenge(deletedID)
	}

	order, err := session.Order(kid, authz.OrderID)
	if err != nil || order == nil {
		srv.logger.Warn("validation task could not load order", zap.Error(err))
		return
	}
	authzs, err := session.OrderAuthorizations(order)
	if err != nil {
		srv.logger.Warn("validation task could not load authorizations", zap.Error(err))
		return
	}
	for i, sibling := range authzs {
		if sibling.ID == authz.ID {
			authzs[i] = authz
		}
	}
	order.Revalidate(authzs, now)

	writeErr := session.Put(challenge)
	if writeErr == nil {
		writeErr = session.Put(authz)
	}
	if writeErr == nil {
		writeErr = session.Put(order)
	}
	if writeErr == nil {
		writeErr = session.Commit()
	}
	if writeErr != nil {
		srv.logger.Error("committing validation outcome",
			zap.String("challenge", challengeID), zap.Error(writeErr))
		return
	}
	srv.logger.Info("challenge validated",
		zap.String("challenge", challengeID), zap.String("result", result))
}

// finalizePayload is the body of a finalize request.
// See https://tools.ietf.org/html/rfc8555#section-7.4
type finalizePayload struct {
	CSR string `json:"csr"`
}

func (srv *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url: srv.urls.FinalizeURL(id),
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	order, err := srv.revalidatedOrder(session, auth.account.KID, id)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if order.Status == resources.OrderInvalid {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrOrderInvalid,
			"the order is invalid and cannot be finalized"))
		return
	}
	if order.Status != resources.OrderReady {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrOrderNotReady,
			"the order is not ready to be finalized, it is %q", order.Status))
		return
	}

	var payload finalizePayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
			"the request payload was not valid JSON"))
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadCSR,
			"the \"csr\" field was not valid base64url"))
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadCSR,
			"the CSR could not be parsed"))
		return
	}
	if err := csr.CheckSignature(); err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadCSR,
			"the CSR's signature is invalid"))
		return
	}
	if pub, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		if size := keys.PublicKeySize(pub); size < srv.config.RSAMinKeySize {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadPublicKey,
				"the CSR's RSA key is too small: %d < %d bits", size, srv.config.RSAMinKeySize))
			return
		}
	}
	if !order.ValidateCSR(csr) {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadCSR,
			"the CSR's names do not match the order's identifiers"))
		return
	}

	order.CSR = csrDER
	if !order.BeginProcessing() {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrOrderNotReady,
			"the order cannot begin processing from status %q", order.Status))
		return
	}
	if err := session.Put(order); err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if err := session.Commit(); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	kid, orderID := auth.account.KID, order.ID
	srv.spawn("finalize-order", func(ctx context.Context) {
		srv.engine.finalize(ctx, kid, orderID)
	})

	w.Header().Set("Location", srv.urls.OrderURL(order.ID))
	srv.writeJSON(w, r, http.StatusOK, order.Serialize(srv.urls))
}

// certificateHandler serves the PEM chain of an issued certificate.
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func (srv *Server) certificateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url:       srv.urls.CertificateURL(id),
		postAsGet: true,
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	cert, err := session.Certificate(auth.account.KID, id)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if cert == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}

	chain := cert.FullChain
	if chain == "" {
		chain = cert.PEM()
	}

	srv.addProtocolHeaders(w)
	if srv.config.Mode == ModeCA {
		w.Header().Add("Link", fmt.Sprintf("<%s>;rel=\"up\"", srv.urls.CAChainURL()))
	}
	w.Header().Set("Content-Type", acme.PEM_CHAIN_CONTENT_TYPE)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(chain))
	srv.countRequest(r, http.StatusOK)
}

// revokeCertPayload is the body of a revoke-cert request.
// See https://tools.ietf.org/html/rfc8555#section-7.6
type revokeCertPayload struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason"`
}

func (srv *Server) revokeCertHandler(w http.ResponseWriter, r *http.Request) {
	session := srv.session(r)
	auth, err := srv.verifyRequest(r, session, authOptions{
		url:      srv.urls.RevokeCertURL(),
		allowJWK: true,
	})
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	var payload revokeCertPayload
	if err := json.Unmarshal(auth.payload, &payload); err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
			"the request payload was not valid JSON"))
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
			"the \"certificate\" field was not valid base64url"))
		return
	}
	reason := 0
	if payload.Reason != nil {
		reason = *payload.Reason
	}
	if !resources.ValidRevocationReason(reason) {
		srv.writeProblem(w, r, acme.NewProblem(acme.ErrBadRevocationReason,
			"the revocation reason code %d is not allowed", reason))
		return
	}

	cert, err := session.CertificateByDER(der)
	if err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if cert == nil {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}

	if auth.jwk != nil {
		if err := srv.checkCertKey(auth.jwk, cert); err != nil {
			srv.writeProblem(w, r, err)
			return
		}
	} else {
		authorized, err := srv.holdsAuthorizations(session, auth.account, cert)
		if err != nil {
			srv.writeProblem(w, r, err)
			return
		}
		if !authorized {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnauthorized,
				"the account does not hold authorizations for the certificate's names"))
			return
		}
	}

	// Relay modes revoke upstream first; the local record only changes
	// after the upstream acknowledged.
	if revoker, ok := srv.engine.(upstreamRevoker); ok {
		if err := revoker.revokeUpstream(r.Context(), cert.DER, payload.Reason); err != nil {
			srv.logger.Warn("upstream revocation refused", zap.Error(err))
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnauthorized,
				"the upstream CA refused the revocation"))
			return
		}
	}

	if err := cert.Revoke(reason); err != nil {
		if err == resources.ErrAlreadyRevoked {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrAlreadyRevoked,
				"the certificate is already revoked"))
			return
		}
		srv.writeProblem(w, r, err)
		return
	}
	if err := session.Put(cert); err != nil {
		srv.writeProblem(w, r, err)
		return
	}
	if err := session.Commit(); err != nil {
		srv.writeProblem(w, r, err)
		return
	}

	srv.logger.Info("revoked certificate",
		zap.String("certificate", cert.ID), zap.Int("reason", reason))
	srv.addProtocolHeaders(w)
	w.WriteHeader(http.StatusOK)
	srv.countRequest(r, http.StatusOK)
}

// keyChangeHandler answers key-change requests with an explicit
// unsupportedOperation problem. Account keys double as account identity
// here, so RFC 8555 §7.3.5 key rollover cannot be expressed.
func (srv *Server) keyChangeHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnsupportedOperation,
		"account key rollover is not supported by this server"))
}

// caChainHandler serves the issuing certificate chain. CA mode only.
func (srv *Server) caChainHandler(w http.ResponseWriter, r *http.Request) {
	if srv.config.Mode != ModeCA {
		srv.writeProblem(w, r, acme.NotFoundProblem())
		return
	}
	srv.addProtocolHeaders(w)
	w.Header().Set("Content-Type", acme.PEM_CHAIN_CONTENT_TYPE)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(srv.issuer.CertPEM()))
	srv.countRequest(r, http.StatusOK)
}

// session opens a store session whose change log rows name the requester's
// address as the actor.
func (srv *Server) session(r *http.Request) *db.Session {
	actor := "unknown"
	if ip := clientIP(r); ip != nil {
		actor = ip.String()
	}
	return srv.store.Begin(actor)
}

// checkAccountKey enforces the key policy on new account keys.
func (srv *Server) checkAccountKey(jwk *jose.JSONWebKey) error {
	if pub, ok := jwk.Key.(*rsa.PublicKey); ok {
		if size := keys.PublicKeySize(pub); size < srv.config.RSAMinKeySize {
			return acme.NewProblem(acme.ErrBadPublicKey,
				"the account's RSA key is too small: %d < %d bits", size, srv.config.RSAMinKeySize)
		}
	}
	return nil
}

// checkCertKey verifies that the embedded JWK of a revoke-by-cert-key
// request is the certificate's own public key.
func (srv *Server) checkCertKey(jwk *jose.JSONWebKey, cert *resources.Certificate) error {
	parsed, err := cert.Parse()
	if err != nil {
		return err
	}
	certJWK := jose.JSONWebKey{Key: parsed.PublicKey}
	certThumb, err := certJWK.Thumbprint(crypto.SHA256)
	if err != nil {
		return err
	}
	jwkThumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return acme.NewProblem(acme.ErrUnauthorized,
			"the embedded JWK could not be thumbprinted")
	}
	if string(certThumb) != string(jwkThumb) {
		return acme.NewProblem(acme.ErrUnauthorized,
			"the embedded JWK is not the certificate's public key")
	}
	return nil
}

// holdsAuthorizations reports whether the account holds valid
// authorizations covering every name in the certificate, cross-referencing
// the account's orders against the certificate's CN and SANs.
func (srv *Server) holdsAuthorizations(session *db.Session, account *resources.Account, cert *resources.Certificate) (bool, error) {
	names, err := cert.Names()
	if err != nil {
		return false, err
	}

	authorized := make(map[string]bool)
	for _, orderID := range account.OrderIDs {
		order, err := session.Order(account.KID, orderID)
		if err != nil {
			return false, err
		}
		if order == nil {
			continue
		}
		authzs, err := session.OrderAuthorizations(order)
		if err != nil {
			return false, err
		}
		for _, authz := range authzs {
			if authz.Status != resources.AuthorizationValid {
				continue
			}
			ident := order.Identifier(authz.IdentifierID)
			authorized[strings.ToLower(ident.Value)] = true
		}
	}

	// names are matched with their wildcard prefix intact: a wildcard name
	// needs a wildcard authorization, a plain name a plain one
	for _, name := range names {
		if !authorized[name] {
			return false, nil
		}
	}
	return true, nil
}

// validateContacts syntax-checks contact URLs. mailto addresses are parsed
// and, when mail suffixes are configured, must match one of them.
func (srv *Server) validateContacts(contacts []string) error {
	for _, contact := range contacts {
		if !strings.HasPrefix(contact, "mailto:") {
			continue
		}
		address := strings.TrimPrefix(contact, "mailto:")
		parsed, err := mail.ParseAddress(address)
		if err != nil {
			return acme.NewProblem(acme.ErrInvalidContact,
				"the contact %q is not a valid email address", contact)
		}
		if len(srv.config.MailSuffixes) == 0 {
			continue
		}
		matched := false
		for _, suffix := range srv.config.MailSuffixes {
			if strings.HasSuffix(parsed.Address, suffix) {
				matched = true
				break
			}
		}
		if !matched {
			return acme.NewProblem(acme.ErrInvalidContact,
				"the contact %q is not in an allowed mail domain", contact)
		}
	}
	return nil
}

// validateIdentifiers checks the identifier list of a new-order request:
// non-empty, DNS type only, syntactically valid names, wildcards only as a
// leading label.
func validateIdentifiers(idents []resources.Identifier) error {
	if len(idents) == 0 {
		return acme.NewProblem(acme.ErrMalformed,
			"an order must include at least one identifier")
	}
	for _, ident := range idents {
		if ident.Type != resources.TypeDNS {
			return acme.NewProblem(acme.ErrMalformed,
				"identifiers of type %q are not supported", ident.Type)
		}
		base := ident.BaseValue()
		if base == "" || strings.Contains(base, "*") {
			return acme.NewProblem(acme.ErrMalformed,
				"the identifier %q is not a valid DNS name", ident.Value)
		}
		if _, err := idna.Lookup.ToASCII(base); err != nil {
			return acme.NewProblem(acme.ErrMalformed,
				"the identifier %q is not a valid DNS name", ident.Value)
		}
	}
	return nil
}

// parseOptionalTime parses an optional RFC 3339 field of a new-order
// payload.
func parseOptionalTime(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, acme.NewProblem(acme.ErrMalformed,
			"the %q field is not a valid RFC 3339 timestamp", field)
	}
	return &parsed, nil
}
