// Package mgmt defines the management backend the agent exposes: object
// names and patterns, the Backend contract, the error kinds shared by every
// layer, and Server, an in-memory backend used by standalone agents and
// tests.
package mgmt
