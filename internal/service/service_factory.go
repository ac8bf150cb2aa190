package service

import (
	"gate-service/internal/audit"
	"gate-service/internal/cache"
	"gate-service/internal/config"
	"gate-service/internal/dispatch"
	"gate-service/internal/encryption"
	"gate-service/internal/hashing"
	"gate-service/internal/identity"
)

// Dependencies is everything the service layer consumes from below.
type Dependencies struct {
	Config     *config.Config
	Store      *cache.DualStore
	Limiter    *cache.RateLimiter
	Hasher     *hashing.Hasher
	Encryptor  *encryption.Manager
	Deriver    *identity.Deriver
	Dispatcher dispatch.Dispatcher
	Recorder   *audit.Recorder

	Identities    IdentityStore
	Verifications VerificationStore
	Codes         CodeStore
	Jobs          JobStore
}

// Factory wires the service layer together.
type Factory struct {
	OTP       *OTPService
	Admission *AdmissionService
	Gate      *GateService
}

func NewFactory(deps Dependencies) *Factory {
	otp := NewOTPService(deps.Codes, deps.Store, deps.Limiter, deps.Hasher, deps.Config)
	admission := NewAdmissionService(deps.Verifications, deps.Jobs, deps.Identities, deps.Store, deps.Config)
	gate := NewGateService(
		otp,
		admission,
		deps.Identities,
		deps.Deriver,
		deps.Encryptor,
		deps.Dispatcher,
		deps.Recorder,
		deps.Limiter,
		deps.Config,
	)

	return &Factory{
		OTP:       otp,
		Admission: admission,
		Gate:      gate,
	}
}
