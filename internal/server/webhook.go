package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"sketchline/internal/logger"
	"sketchline/internal/webhook"
)

// maxWebhookBody caps how much of a delivery is read before verification.
const maxWebhookBody = 10 << 20

// registerPublic wires the unauthenticated surface: health, the provider
// webhook receiver, and the checkout redirect.
func registerPublic(router chi.Router, cfg Config) {
	log := logger.With("webhook")
	gw := webhook.Gateway{
		Event:   cfg.Engine.Config.Provider.Event,
		Actions: cfg.Engine.Config.Provider.Actions,
	}

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})

	router.Post("/webhooks/github", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		// Verified before anything parses the body. Fails closed.
		if !webhook.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), cfg.WebhookSecret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		evt, err := gw.Accept(r.Header.Get("X-GitHub-Event"), body)
		if errors.Is(err, webhook.ErrIgnoredEvent) {
			io.WriteString(w, "Ignored event")
			return
		}
		if errors.Is(err, webhook.ErrIgnoredAction) {
			io.WriteString(w, "Ignored action")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("rejected delivery")
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		accepted, err := cfg.Engine.Submit(r.Context(), evt)
		if err != nil {
			log.Error().Str("run_id", evt.Key()).Err(err).Msg("submit failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !accepted {
			io.WriteString(w, "Workflow already exists")
			return
		}
		log.Info().Str("run_id", evt.Key()).Str("action", evt.Action).Msg("workflow accepted")
		cfg.Runner(evt.Key())
		io.WriteString(w, "Workflow accepted")
	})

	router.Get("/billing/checkout", func(w http.ResponseWriter, r *http.Request) {
		installation := r.URL.Query().Get("installation_id")
		if installation == "" {
			http.Error(w, "installation_id required", http.StatusBadRequest)
			return
		}
		target := cfg.Engine.Config.Billing.CheckoutURL + "?installation_id=" + url.QueryEscape(installation)
		http.Redirect(w, r, target, http.StatusFound)
	})
}
