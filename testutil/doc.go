// Package testutil holds test helpers shared across tsstream packages: an
// in-process publisher that speaks the subscription wire protocol, an
// in-memory NATS publisher and a NATS testcontainer.
package testutil
