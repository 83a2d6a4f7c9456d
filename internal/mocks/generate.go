// Package mocks provides gomock implementations of the core repository interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	cache := mocks.NewMockCacheRepository(ctrl)
//	cache.EXPECT().SetIfNotExists(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
package mocks

// Cache used by the probe cache and the webhook send guard.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/sopline/internal/core CacheRepository

// Delivery audit trail read by the HTTP API and written by the dispatcher.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=webhook_delivery_repository_mock.go github.com/target/sopline/internal/core WebhookDeliveryRepository
