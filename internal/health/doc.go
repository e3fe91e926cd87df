// Package health serves the liveness, readiness and detailed health
// endpoints of the admin listener.
//
// Checks are registered on a Handler. A failing critical check makes the
// gateway unready; a failing non-critical check only reports it as
// degraded. A draining handler reports unready so load balancers stop
// sending traffic before shutdown.
//
//	h := health.NewHandler(logger)
//	h.AddCheck(health.RegistryReadyCheck(registryClient))
//	h.AddCheck(health.RedisHealthCheck("cache_store", client, health.WithCritical(false)))
//	h.RegisterRoutes(adminEngine)
package health
