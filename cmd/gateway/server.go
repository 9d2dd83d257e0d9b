package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/enclavegate/internal/platform/admission"
	"github.com/example/enclavegate/internal/platform/compliance"
	"github.com/example/enclavegate/internal/platform/metrics"
	"github.com/example/enclavegate/internal/platform/tracing"
	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/executor/policy"
	"github.com/example/enclavegate/pkg/executor/wasm"
	"github.com/example/enclavegate/pkg/payment"
	"github.com/example/enclavegate/pkg/pipeline"
	"github.com/example/enclavegate/pkg/session/handshake"
	"github.com/example/enclavegate/pkg/session/store"
)

// GatewayConfig wires runtime parameters for the gateway server.
type GatewayConfig struct {
	Address             string
	MaxConcurrentGuests int
	SessionIdleTimeout  time.Duration
	SessionMaxEntries   int
	WasmLimits          wasm.Limits
	PolicyLimits        policy.Limits
	Attestation         attestation.Provider
	Facilitator         payment.FacilitatorClient
	PaidAccepts         payment.Accepts
	Logger              *zap.Logger
	Checker             *compliance.Checker
	// Admission resolves per-route resource ceilings and accepts clauses
	// from declarative policy data. Optional: a nil Admission falls back
	// to WasmLimits/PolicyLimits/PaidAccepts for every route.
	Admission *admission.Engine
	// Metrics records guest-outcome counters and gauges. Optional: a nil
	// Metrics disables instrument recording without touching the request
	// path's control flow.
	Metrics *metrics.Instruments
}

// GatewayServer hosts the HTTP interface for the confidential-session
// handshake and the execution and payment pipelines.
type GatewayServer struct {
	cfg     GatewayConfig
	logger  *zap.Logger
	httpSrv *http.Server

	sessions   *store.Store
	handshake  *handshake.Service
	gate       *payment.Gate
	checker    *compliance.Checker
	admission  *admission.Engine
	metrics    *metrics.Instruments
	wasmExec   *wasm.Executor
	policyExec *policy.Executor
	tracer     trace.Tracer

	guestSlots chan struct{}
}

// NewGatewayServer constructs the gateway and registers its HTTP handlers.
func NewGatewayServer(cfg GatewayConfig) (*GatewayServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Address == "" {
		cfg.Address = ":8443"
	}
	if cfg.MaxConcurrentGuests <= 0 {
		cfg.MaxConcurrentGuests = 100
	}
	if cfg.Attestation == nil {
		cfg.Attestation = attestation.NewStubProvider(0)
	}

	sessions := store.New(cfg.SessionMaxEntries, cfg.SessionIdleTimeout)
	hs := handshake.New(sessions, cfg.Attestation)

	wasmExec := wasm.New()
	policyExec := policy.New()

	var gate *payment.Gate
	if cfg.Facilitator != nil {
		gate = payment.NewGate(cfg.Facilitator)
	}

	checker := cfg.Checker
	if checker == nil {
		checker = compliance.NewChecker()
	}
	checker.Register(compliance.CheckFunc(func(ctx context.Context) compliance.Result {
		return compliance.Result{
			Name:    "session_store",
			Status:  compliance.StatusPass,
			Details: fmt.Sprintf("%d live sessions", sessions.Len()),
		}
	}))

	g := &GatewayServer{
		cfg:        cfg,
		logger:     cfg.Logger,
		sessions:   sessions,
		handshake:  hs,
		gate:       gate,
		checker:    checker,
		admission:  cfg.Admission,
		metrics:    cfg.Metrics,
		wasmExec:   wasmExec,
		policyExec: policyExec,
		tracer:     tracing.Tracer("enclavegate.gateway"),
		guestSlots: make(chan struct{}, cfg.MaxConcurrentGuests),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", g.handlePing)
	mux.HandleFunc("/readyz", g.handleReady)
	mux.HandleFunc("/encrypt/create_keypair", g.handleHandshake(false))
	mux.HandleFunc("/verifiable/encrypt/create_keypair", g.handleHandshake(true))
	mux.HandleFunc("/test/execute/wasm", g.handleExecute(pipeline.GuestWasm, false, false))
	mux.HandleFunc("/x402_execute/test/wasm", g.handleExecute(pipeline.GuestWasm, false, true))
	mux.HandleFunc("/x402_execute/verifiable/wasm", g.handleExecute(pipeline.GuestWasm, true, true))
	mux.HandleFunc("/test/policy/unsafe/python", g.handleExecute(pipeline.GuestPolicy, false, false))
	mux.HandleFunc("/test/policy/unsafe/python/attest", g.handleExecute(pipeline.GuestPolicy, true, false))
	mux.HandleFunc("/x402_policy/unsafe/python", g.handleExecute(pipeline.GuestPolicy, false, true))

	g.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return g, nil
}

// Start begins serving HTTP endpoints.
func (g *GatewayServer) Start() error {
	return g.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (g *GatewayServer) Stop(ctx context.Context) error {
	return g.httpSrv.Shutdown(ctx)
}

func (g *GatewayServer) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("pong"))
}

func (g *GatewayServer) handleReady(w http.ResponseWriter, r *http.Request) {
	summary := g.checker.Evaluate(r.Context())
	status := http.StatusOK
	if !summary.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, summary, status)
}

type handshakeRequest struct {
	Pubkey string `json:"pubkey"`
}

type handshakeResponse struct {
	SessionPubkey string `json:"session_pubkey"`
	SessionID     string `json:"session_id"`
	Quote         string `json:"quote,omitempty"`
}

func (g *GatewayServer) handleHandshake(verifiable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := g.tracer.Start(r.Context(), "gateway.handshake",
			trace.WithAttributes(attribute.Bool("verifiable", verifiable)))
		defer span.End()

		if r.Method != http.MethodPost {
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "method not allowed"))
			return
		}
		var req handshakeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "invalid JSON body: %v", err))
			return
		}
		pubkey, err := hex.DecodeString(req.Pubkey)
		if err != nil {
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "pubkey must be hex: %v", err))
			return
		}

		out, err := g.handshake.CreateSession(ctx, handshake.Input{
			ClientPubkey: pubkey,
			Verifiable:   verifiable,
		})
		if err != nil {
			span.RecordError(err)
			g.logger.Warn("handshake failed", zap.Error(err))
			writeError(w, toPipelineError(err))
			return
		}

		sessionUUID, _ := uuid.FromBytes(out.SessionID[:])
		resp := handshakeResponse{
			SessionPubkey: hex.EncodeToString(out.SessionPubkeyCompressed),
			SessionID:     sessionUUID.String(),
		}
		if out.Quote != nil {
			resp.Quote = hex.EncodeToString(out.Quote)
		}

		g.logger.Info("handshake complete",
			zap.String("session_id", resp.SessionID),
			zap.Bool("verifiable", verifiable),
		)
		writeJSON(w, resp, http.StatusOK)
	}
}

type executeRequest struct {
	EncryptedWasm      string   `json:"encrypted_wasm"`
	EncryptedPython    string   `json:"encrypted_python"`
	EncryptedArguments []string `json:"encrypted_arguments"`
	PublicKey          string   `json:"public_key"`
	SessionID          string   `json:"session_id"`
}

type executeResponse struct {
	SessionID        string `json:"session_id"`
	EncryptedResult  string `json:"encrypted_result"`
	ResultNonce      string `json:"result_nonce"`
	ResultCommitment string `json:"result_commitment"`
	ResultQuote      string `json:"result_quote,omitempty"`
}

func (g *GatewayServer) handleExecute(kind pipeline.GuestKind, verifiable, paid bool) http.HandlerFunc {
	kindName := "wasm"
	if kind == pipeline.GuestPolicy {
		kindName = "policy"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := g.tracer.Start(r.Context(), "gateway.execute",
			trace.WithAttributes(
				attribute.String("guest_kind", kindName),
				attribute.Bool("verifiable", verifiable),
				attribute.Bool("paid", paid),
			))
		defer span.End()

		if g.metrics != nil {
			g.metrics.ExecutionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("guest_kind", kindName),
			))
		}
		recordErr := func(err error) {
			span.RecordError(err)
			if g.metrics != nil {
				g.metrics.ExecutionErrors.Add(ctx, 1, otelmetric.WithAttributes(
					attribute.String("guest_kind", kindName),
				))
			}
		}

		if r.Method != http.MethodPost {
			recordErr(fmt.Errorf("method not allowed"))
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "method not allowed"))
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			recordErr(err)
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "invalid JSON body: %v", err))
			return
		}

		sessionID, err := g.resolveSessionID(req)
		if err != nil {
			recordErr(err)
			writeError(w, err)
			return
		}

		guestHex := req.EncryptedWasm
		if kind == pipeline.GuestPolicy {
			guestHex = req.EncryptedPython
		}
		encGuest, err := hex.DecodeString(guestHex)
		if err != nil {
			recordErr(err)
			writeError(w, pipeline.NewError(pipeline.KindBadRequest, "encrypted guest must be hex: %v", err))
			return
		}
		encArgs := make([][]byte, len(req.EncryptedArguments))
		for i, a := range req.EncryptedArguments {
			decoded, err := hex.DecodeString(a)
			if err != nil {
				recordErr(err)
				writeError(w, pipeline.NewError(pipeline.KindBadRequest, "argument %d must be hex: %v", i, err))
				return
			}
			encArgs[i] = decoded
		}

		pipelineReq := pipeline.Request{
			Kind:               kind,
			SessionID:          sessionID,
			EncryptedGuest:     encGuest,
			EncryptedArguments: encArgs,
			Verifiable:         verifiable,
		}

		accepts := g.cfg.PaidAccepts
		runner := g.resolveLimits(ctx, kindName, paid)

		var paymentPayload payment.Payload
		if paid {
			if decision, ok := runner.accepts["max_amount_required"].(string); ok {
				accepts.MaxAmountRequired = decision
			}
			if g.gate == nil {
				recordErr(fmt.Errorf("no facilitator configured"))
				writeError(w, pipeline.NewError(pipeline.KindPaymentRequired, "no facilitator configured"))
				return
			}
			payload, err := g.gate.Verify(ctx, r.Header.Get("X-Payment"), accepts)
			if err != nil {
				recordErr(err)
				writePaymentRequired(w, accepts, err)
				return
			}
			paymentPayload = payload
			if g.metrics != nil {
				g.metrics.PaymentVerified.Add(ctx, 1)
			}
		}

		pl := pipeline.New(g.sessions,
			pipeline.WasmRunner{Executor: g.wasmExec, Limits: runner.wasmLimits},
			pipeline.PolicyRunner{Executor: g.policyExec, Limits: runner.policyLimits},
			g.cfg.Attestation,
		)

		select {
		case g.guestSlots <- struct{}{}:
		case <-ctx.Done():
			recordErr(ctx.Err())
			writeError(w, pipeline.NewError(pipeline.KindInternal, "request cancelled waiting for a guest slot"))
			return
		}
		if g.metrics != nil {
			g.metrics.ConcurrentGuests.Add(ctx, 1)
		}
		result, execErr := pl.Execute(ctx, pipelineReq)
		<-g.guestSlots
		if g.metrics != nil {
			g.metrics.ConcurrentGuests.Add(ctx, -1)
		}

		if execErr != nil {
			recordErr(execErr)
			g.logger.Warn("execution failed",
				zap.String("session_id", sessionIDString(sessionID)),
				zap.Error(execErr),
			)
			writeError(w, toPipelineError(execErr))
			return
		}

		if paid {
			outcome := g.gate.Settle(ctx, paymentPayload, accepts)
			if outcome.Settled {
				w.Header().Set("X-Payment-Response", "settled")
				if g.metrics != nil {
					g.metrics.PaymentSettled.Add(ctx, 1)
				}
			} else {
				w.Header().Set("X-Payment-Response", "settlement_failed: "+outcome.Reason)
			}
		}

		resultUUID, _ := uuid.FromBytes(result.SessionID[:])
		resp := executeResponse{
			SessionID:        resultUUID.String(),
			EncryptedResult:  hex.EncodeToString(result.EncryptedResult),
			ResultNonce:      hex.EncodeToString(result.ResultNonce[:]),
			ResultCommitment: hex.EncodeToString(result.ResultCommitment[:]),
		}
		if result.ResultQuote != nil {
			resp.ResultQuote = hex.EncodeToString(result.ResultQuote)
		}
		writeJSON(w, resp, http.StatusOK)
	}
}

// resolvedLimits carries the per-request resource ceilings and accepts
// overrides admission resolves, or the gateway's static configuration
// when no admission engine is wired.
type resolvedLimits struct {
	wasmLimits   wasm.Limits
	policyLimits policy.Limits
	accepts      map[string]any
}

// resolveLimits asks the admission engine what ceilings and accepts
// clause apply to this route. A resolution failure (or no engine
// configured) falls back to the gateway's static defaults rather than
// failing the request: admission only narrows operational configuration,
// it never gates whether a session is allowed to call the endpoint.
func (g *GatewayServer) resolveLimits(ctx context.Context, kindName string, paid bool) resolvedLimits {
	out := resolvedLimits{wasmLimits: g.cfg.WasmLimits, policyLimits: g.cfg.PolicyLimits}
	if g.admission == nil {
		return out
	}
	decision, err := g.admission.Resolve(ctx, map[string]any{"kind": kindName, "paid": paid})
	if err != nil {
		g.logger.Warn("admission resolution failed, using static defaults", zap.Error(err))
		return out
	}
	if decision.MemoryMaxBytes > 0 {
		out.wasmLimits.MemoryMaxBytes = uint32(decision.MemoryMaxBytes)
	}
	if decision.WallClockSeconds > 0 {
		d := time.Duration(decision.WallClockSeconds * float64(time.Second))
		out.wasmLimits.WallClockTimeout = d
		out.policyLimits.WallClockTimeout = d
	}
	out.accepts = decision.Accepts
	return out
}

// resolveSessionID implements the session lookup: an explicit session_id
// is the primary path; public_key-based lookup is kept only as a
// deprecated fallback for callers that never migrated to carrying the id
// returned from the handshake.
func (g *GatewayServer) resolveSessionID(req executeRequest) ([16]byte, error) {
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return [16]byte{}, pipeline.NewError(pipeline.KindBadRequest, "session_id must be a uuid: %v", err)
		}
		var out [16]byte
		copy(out[:], id[:])
		return out, nil
	}
	if req.PublicKey == "" {
		return [16]byte{}, pipeline.NewError(pipeline.KindBadRequest, "session_id or public_key required")
	}
	pubkey, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		return [16]byte{}, pipeline.NewError(pipeline.KindBadRequest, "public_key must be hex: %v", err)
	}
	record, err := g.sessions.LookupByPubkey(pubkey)
	if err != nil {
		return [16]byte{}, pipeline.NewError(pipeline.KindUnknownSession, "no session matches the provided public key")
	}
	return record.SessionID, nil
}

func sessionIDString(id [16]byte) string {
	u, _ := uuid.FromBytes(id[:])
	return u.String()
}

// toPipelineError normalizes an error returned by a lower layer
// (handshake, store) into the shared *pipeline.Error taxonomy.
func toPipelineError(err error) *pipeline.Error {
	if pe, ok := err.(*pipeline.Error); ok {
		return pe
	}
	if errors.Is(err, attestation.ErrUnavailable) {
		return pipeline.NewError(pipeline.KindAttestationUnavailable, "%v", err)
	}
	return pipeline.NewError(pipeline.KindInternal, "%v", err)
}

type errorBody struct {
	Error   string `json:"error"`
	Accepts any    `json:"accepts,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	pe := toPipelineError(err)
	writeJSON(w, errorBody{Error: string(pe.Kind) + ": " + pe.Message, Accepts: pe.Accepts}, pe.Kind.HTTPStatus())
}

func writePaymentRequired(w http.ResponseWriter, accepts payment.Accepts, err error) {
	reason := err.Error()
	if ve, ok := err.(*payment.VerifyErr); ok {
		reason = ve.Reason
	}
	writeJSON(w, errorBody{Error: reason, Accepts: []payment.Accepts{accepts}}, http.StatusPaymentRequired)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
