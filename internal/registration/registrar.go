package registration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
)

// RegistrarClient performs the CSR CREATE that a bootstrap.go-style
// registrar request wraps — an interface so this package stays
// binding-agnostic (the HTTP adapter or another binding supplies the
// concrete implementation).
type RegistrarClient interface {
	RegisterWithRegistrar(ctx context.Context, csi string, poa []string, serialization string) error
}

// RegistrarCheckIn retries registration with the configured Registrar
// CSE at checkInterval until it succeeds, per spec.md §4.5: "retries at
// cse.registrar.checkInterval until success". Intended to run as a
// one-shot goroutine at CSE startup for MN/ASN-type CSEs.
func RegistrarCheckIn(ctx context.Context, client RegistrarClient, csi string, poa []string, serialization string, checkInterval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	attempt := func() bool {
		if err := client.RegisterWithRegistrar(ctx, csi, poa, serialization); err != nil {
			logger.Warn("registrar check-in failed, will retry", zap.Error(err))
			return false
		}
		logger.Info("registered with registrar CSE", zap.String("csi", csi))
		return true
	}

	if attempt() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if attempt() {
				return
			}
		}
	}
}
