// Package client holds the HTTP/JSON clients used around the shuffle manager:
// CoordinatorClient, which lists candidate shuffle servers, and
// ManagerClient, which executors and rssctl use to report failures.
//
// Coordinator clients are created through a Cache built once at startup and
// passed to whoever needs it:
//
//	cache := client.NewCache(logger)
//	coordinators, err := cache.CreateClients(client.ClientTypeGRPC, "c1:19999,c2:19999")
//
// A malformed quorum string fails CreateClients immediately with
// ErrInvalidQuorum, so bad configuration is caught before serving.
package client
