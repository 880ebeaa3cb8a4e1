// Package incident provides the core of remedy's incident-response
// orchestrator. It defines the Incident record and its state machine, the
// append-only timeline log, the merge-gate policy, the stage adapter retry
// contract, the pipeline Engine, the Service boundary (create, query,
// approve), the Store interface (persistence), and the reconciliation
// Sweeper.
package incident
