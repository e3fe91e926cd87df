// Package gateway provides the core API Gateway request pipeline.
//
// A request is handled by an ordered list of stages. Each stage either
// returns a response or an error, which ends the pipeline, or returns
// neither and lets the next stage run:
//
//	match -> auth -> rate limit -> cache -> balance + breaker + forward
//
// Stages may register after-hooks on the Exchange. After-hooks run on the
// final response before it is written, which is how a cache miss stores
// the backend response.
//
// The gateway also closes the feedback loop between circuit breakers and
// the registry: a breaker that opens marks its instance unhealthy for the
// cooldown, and an instance removed from the registry drops its breaker.
//
// # Usage
//
//	gw, err := gateway.New(cfg, gateway.Components{
//	    Router:    rt,
//	    Registry:  registryClient,
//	    Breakers:  breakers,
//	    Limiter:   limiter,
//	    Forwarder: forwarder,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.NoRoute(gin.WrapH(gw))
package gateway
