// Command mgmtagent runs and controls management agents.
//
// An agent exposes a process's managed objects over gRPC, answers a remote
// stop request carrying the configured secret, and stops on its own once
// the work it was started for has finished.
//
// Install:
//
//	go install github.com/nuetzliches/mgmtagent/cmd/mgmtagent@latest
//
// Usage:
//
//	mgmtagent serve --port 3412 --stopper s3cret
//	mgmtagent status --port 3412
//	mgmtagent stop --port 3412 --stopper s3cret
package main
