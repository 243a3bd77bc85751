package server

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/client"
	"github.com/cpu/acmebroker/acme/resources"
	"github.com/cpu/acmebroker/db"
)

// The bounded wait applied to the upstream finalization in proxy mode. On
// timeout the local order is marked INVALID.
const proxyFinalizeTimeout = 10 * time.Second

// newOrderHooks is implemented by engines that take part in the new-order
// handler. orderCreated runs synchronously before the order is committed;
// orderCommitted runs as a background task afterwards.
type newOrderHooks interface {
	orderCreated(ctx context.Context, order *resources.Order) error
	orderCommitted(ctx context.Context, kid, orderID string)
}

// upstreamRevoker is implemented by engines that relay revocations to the
// upstream CA.
type upstreamRevoker interface {
	revokeUpstream(ctx context.Context, der []byte, reason *int) error
}

// problemFromClientError converts an upstream problem into a downstream one,
// passing the upstream's type and detail through unchanged. Used where
// upstream errors are user-visible (proxy mode).
func problemFromClientError(err error) *acme.Problem {
	var clientErr *client.ClientError
	if !errors.As(err, &clientErr) || clientErr.Type == "" {
		return nil
	}
	return &acme.Problem{
		Type:   clientErr.Type,
		Detail: clientErr.Detail,
		Status: clientErr.Status,
	}
}

// storeRelayedChain validates a chain obtained from the upstream CA and
// stores it as the order's certificate. A chain with fewer than two
// certificates is treated as a relay failure rather than stored partially.
func (srv *Server) storeRelayedChain(session *db.Session, order *resources.Order, chain []byte) {
	blocks := resources.SplitPEMChain(string(chain))
	if len(blocks) < 2 {
		srv.failFinalize(session, order,
			fmt.Errorf("upstream chain has %d certificates, need at least 2", len(blocks)))
		return
	}
	leaf, _ := pem.Decode([]byte(blocks[0]))
	if leaf == nil {
		srv.failFinalize(session, order, fmt.Errorf("upstream chain leaf is not valid PEM"))
		return
	}

	cert := resources.NewCertificate(order, leaf.Bytes, string(chain))
	srv.completeFinalize(session, order, cert)
}

// loadProcessingOrder re-reads the order for a finalize task and checks it
// is still awaiting processing.
func (srv *Server) loadProcessingOrder(session *db.Session, kid, orderID string) *resources.Order {
	order, err := session.Order(kid, orderID)
	if err != nil || order == nil {
		srv.logger.Warn("finalize task could not load order",
			zap.String("order", orderID), zap.Error(err))
		return nil
	}
	if order.Status != resources.OrderProcessing {
		return nil
	}
	return order
}

// brokerEngine relays issuance opaquely: the upstream CA is contacted only
// at finalization and its challenges are completed server-side. Upstream
// failures are swallowed; the end user only sees the order turn invalid.
type brokerEngine struct {
	srv      *Server
	upstream *client.Client
}

func (e *brokerEngine) mode() string {
	return ModeBroker
}

func (e *brokerEngine) finalize(ctx context.Context, kid, orderID string) {
	srv := e.srv
	session := srv.store.Begin("finalize:" + ModeBroker)
	order := srv.loadProcessingOrder(session, kid, orderID)
	if order == nil {
		return
	}

	names := make([]string, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		names = append(names, ident.Value)
	}

	upstreamOrder, err := e.upstream.OrderCreate(ctx, names)
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}
	if err := e.upstream.AuthorizationsComplete(ctx, upstreamOrder); err != nil {
		srv.failFinalize(session, order, err)
		return
	}
	finalized, err := e.upstream.OrderFinalize(ctx, upstreamOrder, order.CSR)
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}
	chain, err := e.upstream.CertificateGet(ctx, finalized)
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}

	srv.storeRelayedChain(session, order, chain)
}

func (e *brokerEngine) revokeUpstream(ctx context.Context, der []byte, reason *int) error {
	return e.upstream.CertificateRevoke(ctx, der, reason)
}

// proxyEngine relays transparently: the upstream order is created while the
// new-order handler runs, upstream problems surface to the end user, and
// finalization merely forwards the CSR within a bounded wait.
type proxyEngine struct {
	srv      *Server
	upstream *client.Client
}

func (e *proxyEngine) mode() string {
	return ModeProxy
}

// orderCreated creates the upstream order inside the new-order handler and
// records its URL on the local order.
func (e *proxyEngine) orderCreated(ctx context.Context, order *resources.Order) error {
	names := make([]string, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		names = append(names, ident.Value)
	}
	upstreamOrder, err := e.upstream.OrderCreate(ctx, names)
	if err != nil {
		if problem := problemFromClientError(err); problem != nil {
			return problem
		}
		return err
	}
	order.ProxiedURL = upstreamOrder.URL
	return nil
}

// orderCommitted drives the upstream authorizations in the background right
// after new-order commits. A challenge failure marks the local order
// INVALID.
func (e *proxyEngine) orderCommitted(ctx context.Context, kid, orderID string) {
	srv := e.srv
	session := srv.store.Begin("challenges:" + ModeProxy)
	order, err := session.Order(kid, orderID)
	if err != nil || order == nil {
		srv.logger.Warn("challenge task could not load order",
			zap.String("order", orderID), zap.Error(err))
		return
	}
	if order.Status != resources.OrderPending || order.ProxiedURL == "" {
		return
	}

	upstreamOrder, err := e.upstream.OrderGet(ctx, order.ProxiedURL)
	if err == nil {
		err = e.upstream.AuthorizationsComplete(ctx, upstreamOrder)
	}
	if err != nil {
		srv.logger.Warn("upstream challenge completion failed",
			zap.String("order", order.ID), zap.Error(err))
		order.Fail()
		if putErr := session.Put(order); putErr == nil {
			if commitErr := session.Commit(); commitErr != nil {
				srv.logger.Error("committing failed order",
					zap.String("order", order.ID), zap.Error(commitErr))
			}
		}
	}
}

func (e *proxyEngine) finalize(ctx context.Context, kid, orderID string) {
	srv := e.srv
	session := srv.store.Begin("finalize:" + ModeProxy)
	order := srv.loadProcessingOrder(session, kid, orderID)
	if order == nil {
		return
	}
	if order.ProxiedURL == "" {
		srv.failFinalize(session, order, fmt.Errorf("order has no upstream order URL"))
		return
	}

	finalizeCtx, cancel := context.WithTimeout(ctx, proxyFinalizeTimeout)
	defer cancel()

	upstreamOrder, err := e.upstream.OrderGet(finalizeCtx, order.ProxiedURL)
	var finalized *client.Order
	if err == nil {
		finalized, err = e.upstream.OrderFinalize(finalizeCtx, upstreamOrder, order.CSR)
	}
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}

	// The bounded wait covers only the upstream finalization; the chain
	// download proceeds on the task's own context.
	chain, err := e.upstream.CertificateGet(ctx, finalized)
	if err != nil {
		srv.failFinalize(session, order, err)
		return
	}
	srv.storeRelayedChain(session, order, chain)
}

func (e *proxyEngine) revokeUpstream(ctx context.Context, der []byte, reason *int) error {
	return e.upstream.CertificateRevoke(ctx, der, reason)
}
