/*
Package api exposes the manager's health surfaces.

HealthServer serves plain HTTP endpoints for load balancers and
orchestrators:

	/health             process is alive
	/ready              this manager leads raft and has reloaded the store
	/live               liveness from the component registry
	/health/components  per-component health as JSON
	/metrics            Prometheus metrics

GRPCServer serves the standard grpc.health.v1.Health service. Both the
empty service name and ServiceName report SERVING while the manager is
ready, and NOT_SERVING otherwise. Calls are logged through
LoggingInterceptor.

# Usage

	hs := api.NewHealthServer(mgr)
	go hs.Start(":9090")
	defer hs.Shutdown(ctx)

	gs := api.NewGRPCServer(mgr)
	go gs.Run(ctx)
	go gs.Start(":9091")
	defer gs.Stop()
*/
package api
