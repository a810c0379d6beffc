// Package health provides the probes behind /-/healthy and /-/ready.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as
// soon as draining starts so load balancers stop routing signing
// requests before the listener closes. [MinKeys] and [Fresh] express
// signatoryd's readiness: enough keys loaded and a key syncer that has
// recently succeeded.
package health
