package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/enclavegate/internal/platform/admission"
	"github.com/example/enclavegate/internal/platform/logging"
	"github.com/example/enclavegate/internal/platform/metrics"
	"github.com/example/enclavegate/internal/platform/secrets"
	"github.com/example/enclavegate/internal/platform/tracing"
	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/executor/policy"
	"github.com/example/enclavegate/pkg/executor/wasm"
	"github.com/example/enclavegate/pkg/payment"
)

func main() {
	var (
		addr              = flag.String("addr", ":8443", "HTTP listen address")
		verifiableMode    = flag.String("attestation", "stub", "attestation provider: stub|software")
		maxGuests         = flag.Uint("max-concurrent-guests", 100, "bounded concurrent guest execution slots")
		wasmMemoryMB      = flag.Uint("wasm-memory-mb", 64, "WASM guest memory ceiling in megabytes")
		wasmFuel          = flag.Uint64("wasm-fuel", 50_000_000, "WASM guest fuel/CPU-step ceiling (function-call units)")
		wasmTimeoutSec    = flag.Uint("wasm-timeout-seconds", 10, "WASM guest wall-clock timeout")
		policyTimeoutSec  = flag.Uint("policy-timeout-seconds", 5, "policy script wall-clock timeout")
		paidAmount        = flag.String("paid-amount", "1000000", "required USDC amount (6 decimals) for paid endpoints")
		paidPayTo         = flag.String("paid-pay-to", "0x0000000000000000000000000000000000000000", "facilitator payee address")
		paidAsset         = flag.String("paid-asset", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC contract address")
		paidNetwork       = flag.String("paid-network", "base-sepolia", "settlement network")
		enableFacilitator = flag.Bool("enable-facilitator", true, "verify and settle X402 payments locally with a no-op settler")
		otlpEndpoint      = flag.String("otlp-endpoint", "", "OTLP gRPC collector endpoint; empty disables export")
		otlpInsecure      = flag.Bool("otlp-insecure", true, "use a plaintext OTLP connection")
		vaultAddr         = flag.String("vault-addr", "", "Vault address; empty disables secrets lookups")
	)
	flag.Parse()

	logger, cleanup, err := logging.Global(logging.Config{
		ServiceName:    "enclavegate",
		Environment:    "dev",
		Level:          "info",
		RedactionRules: logging.DefaultRedactionRules(),
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	}()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bootCancel()

	traceProvider, err := tracing.New(bootCtx, tracing.Config{
		Endpoint:    *otlpEndpoint,
		Insecure:    *otlpInsecure,
		ServiceName: "enclavegate",
		Environment: "dev",
	})
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
	}()

	metricProvider, err := metrics.New(bootCtx, metrics.Config{
		Endpoint:    *otlpEndpoint,
		Insecure:    *otlpInsecure,
		ServiceName: "enclavegate",
		Environment: "dev",
	})
	if err != nil {
		logger.Fatal("init metrics", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricProvider.Shutdown(ctx)
	}()

	instruments, err := metrics.NewInstruments("enclavegate.gateway")
	if err != nil {
		logger.Fatal("init instruments", zap.Error(err))
	}

	admissionEngine, err := admission.New(bootCtx, admission.Config{
		Query:   "data.enclavegate.admission.decision",
		Modules: map[string]string{"admission.rego": defaultAdmissionPolicy},
	})
	if err != nil {
		logger.Fatal("init admission engine", zap.Error(err))
	}

	if *vaultAddr != "" {
		secretsMgr, err := secrets.New(secrets.Config{Address: *vaultAddr})
		if err != nil {
			logger.Warn("secrets manager unavailable, continuing without it", zap.Error(err))
		} else if _, err := secretsMgr.FacilitatorCredentials(bootCtx); err != nil {
			logger.Warn("facilitator credentials fetch failed", zap.Error(err))
		} else {
			logger.Info("facilitator credentials loaded from vault")
		}
	}

	var facilitator payment.FacilitatorClient
	if *enableFacilitator {
		facilitator = payment.NewLocalFacilitator(payment.NoopSettler{})
	}

	var provider attestation.Provider
	switch *verifiableMode {
	case "software":
		soft, err := attestation.NewSoftwareProvider()
		if err != nil {
			logger.Fatal("init software attestation provider", zap.Error(err))
		}
		provider = soft
	default:
		provider = attestation.NewStubProvider(0)
	}

	srv, err := NewGatewayServer(GatewayConfig{
		Address:             *addr,
		MaxConcurrentGuests: int(*maxGuests),
		WasmLimits: wasm.Limits{
			MemoryMaxBytes:   uint32(*wasmMemoryMB) * 1024 * 1024,
			FuelOrCPUBound:   *wasmFuel,
			WallClockTimeout: time.Duration(*wasmTimeoutSec) * time.Second,
		},
		PolicyLimits: policy.Limits{
			WallClockTimeout: time.Duration(*policyTimeoutSec) * time.Second,
		},
		Attestation: provider,
		PaidAccepts: payment.Accepts{
			Scheme:            "exact",
			Network:           *paidNetwork,
			PayTo:             *paidPayTo,
			Asset:             *paidAsset,
			MaxAmountRequired: *paidAmount,
			ResourcePath:      "/x402_execute/test/wasm",
			MimeType:          "application/json",
			Description:       "confidential guest execution",
		},
		Logger:      logger,
		Facilitator: facilitator,
		Admission:   admissionEngine,
		Metrics:     instruments,
	})
	if err != nil {
		logger.Fatal("init gateway", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("gateway listening", zap.String("addr", *addr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("gateway stopped")
}
