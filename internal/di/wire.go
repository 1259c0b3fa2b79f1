//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"SettleGuard/pkg/config"
	"SettleGuard/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application and a
// cleanup releasing its infrastructure clients.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,

		// Infrastructure
		ProvideCache,
		ProvideSourceResolver,
		ProvideListingStore,
		ProvideAuditStore,
		ProvideSettlementPublisher,

		// Use cases
		ProvideOracleAggregator,
		ProvideListingValidator,
		ProvideSettlementResolver,

		// Transport
		ProvideRateLimit,
		ProvideListingHandler,
		ProvideOracleHandler,
		ProvideHealthHandler,
		ProvideHTTPServer,
		ProvideKafkaConsumer,
		ProvideResolveRequestHandler,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
