// Package handlers implements the HTTP handlers for the UCP engine: the
// compile and execute entry points, session/ledger inspection, and CRUD for
// keys, normalization rules, and provider configs.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/api/middleware"
	"github.com/ucplabs/ucp/internal/compiler"
	"github.com/ucplabs/ucp/internal/driver"
	"github.com/ucplabs/ucp/internal/interpreter"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/internal/runner"
	"github.com/ucplabs/ucp/internal/store"
	"github.com/ucplabs/ucp/pkg/contracts"
	"github.com/ucplabs/ucp/pkg/models"
)

// maxPacketBytes caps execute request bodies.
const maxPacketBytes = 1 << 20

// Handlers holds all handler dependencies behind the contracts interfaces,
// so a deployment can swap any stage without touching the HTTP layer.
type Handlers struct {
	Store    store.Store
	Pipeline contracts.CompilerService
	Runner   contracts.RunnerService
	Engine   contracts.ExecutionService
	Ledger   contracts.LedgerService
	Keys     contracts.KeyService
	Drivers  *driver.Registry
}

func New(s store.Store, p contracts.CompilerService, r contracts.RunnerService, e contracts.ExecutionService, l contracts.LedgerService, k contracts.KeyService, d *driver.Registry) *Handlers {
	return &Handlers{Store: s, Pipeline: p, Runner: r, Engine: e, Ledger: l, Keys: k, Drivers: d}
}

// ── Compile & Run ────────────────────────────────────────────

type compileBody struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	Prompt           string `json:"prompt"`
	ProviderConfigID string `json:"provider_config_id"`
	MaxTokens        int    `json:"max_tokens"`
}

func (b compileBody) request() compiler.CompileRequest {
	return compiler.CompileRequest{
		SessionID:        b.SessionID,
		UserID:           b.UserID,
		RawPrompt:        b.Prompt,
		ProviderConfigID: b.ProviderConfigID,
		MaxTokens:        b.MaxTokens,
	}
}

// Compile runs the three-hop compile pipeline and returns the packet.
func (h *Handlers) Compile(w http.ResponseWriter, r *http.Request) {
	var body compileBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}

	result, err := h.Pipeline.Compile(r.Context(), body.request())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type runResponse struct {
	Compile *compiler.CompileResult `json:"compile"`
	Execute *runner.Result          `json:"execute"`
}

// Run compiles a prompt and immediately executes the session against its
// provider, returning both stage results.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	var body compileBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}

	compiled, err := h.Pipeline.Compile(r.Context(), body.request())
	if err != nil {
		respondError(w, err)
		return
	}
	executed, err := h.Runner.Execute(r.Context(), compiled.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runResponse{Compile: compiled, Execute: executed})
}

// ExecuteSession runs the provider stage for an already compiled session.
func (h *Handlers) ExecuteSession(w http.ResponseWriter, r *http.Request) {
	result, err := h.Runner.Execute(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Executable Packets ───────────────────────────────────────

// ExecutePacket validates and runs an executable packet, returning its
// receipt. Signed packets additionally present X-UCP-Signature and
// X-UCP-Key-Prefix; the signature is checked against the bearer key before
// any op runs.
func (h *Handlers) ExecutePacket(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPacketBytes))
	if err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "read request body: %v", err))
		return
	}

	packet, err := interpreter.DecodePacket(raw)
	if err != nil {
		respondError(w, err)
		return
	}

	if sig := r.Header.Get(keys.HeaderSignature); sig != "" {
		if err := h.verifyPacketSignature(r, raw, sig); err != nil {
			respondError(w, err)
			return
		}
	}

	if err := h.checkPacketPermissions(r, packet); err != nil {
		respondError(w, err)
		return
	}

	receipt, err := h.Engine.Execute(r.Context(), packet)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

// verifyPacketSignature checks the HMAC of the submitted packet, minus its
// signature block, under the bearer key.
func (h *Handlers) verifyPacketSignature(r *http.Request, raw []byte, sig string) error {
	plaintext := middleware.PlaintextFromContext(r.Context())
	if plaintext == "" {
		return models.NewError(models.KindUnauthorized, "signed packet requires a bearer key")
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.NewError(models.KindInvalidInput, "packet is not a JSON object")
	}
	delete(body, "signature")

	prefix := r.Header.Get(keys.HeaderKeyPrefix)
	return h.Keys.VerifySignature(r.Context(), plaintext, prefix, body, sig)
}

// checkPacketPermissions requires the bearer key to hold every permission
// the packet's drivers imply. Bootstrap-key and auth-disabled requests have
// no key record and pass.
func (h *Handlers) checkPacketPermissions(r *http.Request, packet *interpreter.ExecPacket) error {
	key := middleware.KeyFromContext(r.Context())
	if key == nil {
		return nil
	}
	for _, perm := range interpreter.RequiredPermissions(packet) {
		if !key.HasPermission(perm) {
			return models.NewError(models.KindUnauthorized,
				"key %s lacks the %s permission required by this packet", key.KeyPrefix, perm)
		}
	}
	return nil
}

// Capabilities lists the driver namespaces this deployment can dispatch.
func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"drivers": h.Drivers.Namespaces()})
}

// ── Sessions ─────────────────────────────────────────────────

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := h.Store.ListSessions(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Store.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteSession(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) ListSessionHops(w http.ResponseWriter, r *http.Request) {
	hops, err := h.Store.ListHops(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, err)
		return
	}
	if hops == nil {
		hops = []models.Hop{}
	}
	respondJSON(w, http.StatusOK, hops)
}

// VerifySession re-walks a session's hash chain and reports whether every
// link still holds.
func (h *Handlers) VerifySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := h.Store.GetSession(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}
	if err := h.Ledger.Verify(r.Context(), sessionID); err != nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"valid":      false,
			"error":      err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "valid": true})
}

// ── API Keys ─────────────────────────────────────────────────

type createKeyBody struct {
	Name        string              `json:"name"`
	Permissions []models.Permission `json:"permissions"`
	RateLimit   int                 `json:"rate_limit"`
	ExpiresIn   string              `json:"expires_in"`
}

// CreateKey mints an API key. The response carries the plaintext exactly
// once; only its hash and display prefix are stored.
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}

	in := keys.GenerateInput{
		Name:        body.Name,
		Permissions: body.Permissions,
		RateLimit:   body.RateLimit,
	}
	if body.ExpiresIn != "" {
		d, err := time.ParseDuration(body.ExpiresIn)
		if err != nil || d <= 0 {
			respondError(w, models.NewError(models.KindInvalidInput, "expires_in must be a positive duration"))
			return
		}
		at := time.Now().UTC().Add(d)
		in.ExpiresAt = &at
	}

	plaintext, key, err := h.Keys.Generate(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"key":     plaintext,
		"api_key": key,
		"warning": "Store this key now. It cannot be retrieved again.",
	})
}

func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	list, err := h.Keys.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []models.APIKey{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Keys.Revoke(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key)
}

func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Delete(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Normalization Rules ──────────────────────────────────────

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.Store.ListRules(r.Context(), activeOnly)
	if err != nil {
		respondError(w, err)
		return
	}
	if rules == nil {
		rules = []models.UCPRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.UCPRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}
	if rule.RuleType != models.RuleReplace && rule.RuleType != models.RuleTrimWhitespace {
		respondError(w, models.NewError(models.KindInvalidInput, "unknown rule type %q", rule.RuleType))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := h.Store.CreateRule(r.Context(), &rule); err != nil {
		respondError(w, err)
		return
	}
	log.Info().Str("rule", rule.ID).Str("type", string(rule.RuleType)).Msg("Rule created")
	respondJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, err)
		return
	}

	var rule models.UCPRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}
	rule.ID = existing.ID
	if rule.RuleType == "" {
		rule.RuleType = existing.RuleType
	}

	if err := h.Store.UpdateRule(r.Context(), &rule); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Provider Configs ─────────────────────────────────────────

// Provider API keys are never accepted or returned over HTTP; the struct's
// APIKey field is excluded from JSON and secrets come from the environment.

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Store.ListProviderConfigs(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if configs == nil {
		configs = []models.ProviderConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

func (h *Handlers) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var cfg models.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}
	if cfg.BaseURL == "" {
		respondError(w, models.NewError(models.KindInvalidInput, "base_url is required"))
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateProviderConfig(r.Context(), &cfg); err != nil {
		respondError(w, err)
		return
	}
	log.Info().Str("provider", cfg.ID).Str("base_url", cfg.BaseURL).Msg("Provider config created")
	respondJSON(w, http.StatusCreated, cfg)
}

func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.GetProviderConfig(r.Context(), chi.URLParam(r, "providerId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetProviderConfig(r.Context(), chi.URLParam(r, "providerId"))
	if err != nil {
		respondError(w, err)
		return
	}

	var cfg models.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, models.NewError(models.KindInvalidInput, "invalid request body"))
		return
	}
	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	if cfg.BaseURL == "" {
		cfg.BaseURL = existing.BaseURL
	}

	if err := h.Store.UpdateProviderConfig(r.Context(), &cfg); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteProviderConfig(r.Context(), chi.URLParam(r, "providerId")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Responses ────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	LastHopIndex *int   `json:"last_hop_index,omitempty"`
}

// respondError maps the error taxonomy onto HTTP statuses and renders the
// structured error body, including session id and last hop index when the
// failure left a partial chain behind.
func respondError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondJSON(w, http.StatusNotFound, errorBody{
			Error:   string(models.KindNotFound),
			Message: nf.Error(),
		})
		return
	}

	kind := models.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case models.KindInvalidInput:
		status = http.StatusBadRequest
	case models.KindUnauthorized:
		status = http.StatusUnauthorized
	case models.KindRateLimited:
		status = http.StatusTooManyRequests
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindCompilation:
		status = http.StatusUnprocessableEntity
	case models.KindOperation:
		status = http.StatusBadGateway
	}

	body := errorBody{Error: string(kind), Message: err.Error()}
	var engineErr *models.Error
	if errors.As(err, &engineErr) {
		body.Message = engineErr.Message
		body.SessionID = engineErr.SessionID
		body.LastHopIndex = engineErr.LastHopIndex
	}
	respondJSON(w, status, body)
}
