// Package app contains the core application logic. It wires configuration,
// capability discovery, the transport and the orchestrator together and
// runs one of the process modes (single expression, dataset evaluation,
// dataset generation or worker), decoupled from any specific entrypoint
// like a CLI.
package app
