// Package natsclient manages a single NATS connection for publishing decoded
// measurements.
//
// The Client wraps nats.go with a connection status enum, a status callback,
// optional Prometheus metrics and JetStream stream setup:
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("tssub"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
//	    Name:     "MEASUREMENTS",
//	    Subjects: []string{"tsstream.>"},
//	})
//
// Connect retries with pkg/retry until the server answers or ctx ends. After
// the first successful connect nats.go owns reconnection; the client tracks it
// through the disconnect, reconnect and closed handlers.
//
// Close drains the connection, bounded by the drain timeout or the context
// deadline, whichever is shorter.
package natsclient
