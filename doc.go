// Package spikes contains the shared leaf types of the commerce spike
// services: tagged errors and outcomes, persistence ports, UUID and clock
// helpers, and small concurrency utilities. The two cores live in the
// subpackages: cdc materializes change-data-capture envelopes into the
// document store, and saga runs long-lived order transactions with
// compensation. Backend packages (postgres, docstore, deadletter) implement
// the ports declared here.
package spikes
