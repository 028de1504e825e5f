// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"strconv"

	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/parser"
)

var _ handler.Handler = (*Handler)(nil)

// Handler records session events as metrics.
type Handler struct {
	metrics *Metrics
}

// NewHandler returns a Handler feeding m.
func NewHandler(m *Metrics) *Handler {
	return &Handler{metrics: m}
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionsTotal.WithLabelValues("accepted").Inc()
	return nil
}

func (h *Handler) OnTransactionStart(ctx context.Context, hctx *handler.Context, req handler.Request) {}

func (h *Handler) OnTransactionEnd(ctx context.Context, hctx *handler.Context, req handler.Request, out handler.Outcome) {
	status := "none"
	if out.Status != 0 {
		status = strconv.Itoa(out.Status)
	}
	h.metrics.TransactionsTotal.WithLabelValues(req.Method, status).Inc()
	h.metrics.TransactionDuration.WithLabelValues(req.Method).Observe(out.Duration.Seconds())
	h.metrics.BytesTotal.WithLabelValues(parser.Upstream.String()).Add(float64(out.BytesIn))
	h.metrics.BytesTotal.WithLabelValues(parser.Downstream.String()).Add(float64(out.BytesOut))

	if out.BytesIn > 0 {
		source := "dialed"
		if out.Reused {
			source = "reused"
		}
		h.metrics.UpstreamConnections.WithLabelValues(source).Inc()
	}
	if out.Retried {
		h.metrics.RetriesTotal.Inc()
	}
	if out.Tunneled {
		h.metrics.TunnelsTotal.Inc()
	}
}

func (h *Handler) OnError(ctx context.Context, hctx *handler.Context, kind string, err error) {
	h.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context) {
	h.metrics.ActiveSessions.Dec()
}
