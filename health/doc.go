// Package health tracks component health and serves it as JSON.
//
// A Status is healthy, degraded or unhealthy. A Monitor holds statuses pushed
// with Update and checks registered with AddCheck; checks run on every
// AggregateHealth call so the /healthz response always reflects current
// subscriber and sink statistics:
//
//	monitor := health.NewMonitor()
//	monitor.AddCheck("subscriber", func() health.Status {
//		return health.FromSubscriber("subscriber", sub.Stats())
//	})
//	mux.Handle("/healthz", monitor.Handler("tssub"))
//
// The handler answers 200 for healthy and degraded systems and 503 for
// unhealthy ones.
package health
