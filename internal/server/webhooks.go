package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/eventlog"
)

// registerWebhookRoute wires POST /webhooks/github directly on the chi
// router rather than through huma: the handler needs the exact raw request
// body to verify the HMAC signature (spec §4.4), and huma's body binding
// would re-encode/decode it first.
func registerWebhookRoute(r chi.Router, cfg Config) {
	r.Post("/webhooks/github", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Integrator == nil {
			http.Error(w, "webhook integrator not configured", http.StatusInternalServerError)
			return
		}
		rawBody, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		eventType := req.Header.Get("x-github-event")
		signature := req.Header.Get("x-hub-signature-256")

		err = cfg.Integrator.Receive(req.Context(), eventType, signature, rawBody)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, eventlog.ErrUnauthorized):
			http.Error(w, "invalid signature", http.StatusUnauthorized)
		case errors.Is(err, eventlog.ErrBadPayload):
			http.Error(w, "invalid payload", http.StatusBadRequest)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}

// registerWebhooksRead exposes the audit-read side of spec §6's CRUD line for
// webhooks: deliveries are only ever created by the provider platform's POST
// above, so only list/get are registered here.
func registerWebhooksRead(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/webhooks",
		Summary:     "List delivered webhooks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Webhook `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListWebhooks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Webhook `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-webhook",
		Method:      http.MethodGet,
		Path:        "/webhooks/{id}",
		Summary:     "Get a delivered webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Webhook `json:"body"`
	}, error) {
		w, err := cfg.Repo.GetWebhook(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Webhook `json:"body"`
		}{Body: w}, nil
	})
}
