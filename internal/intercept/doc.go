// Package intercept implements the call-interception layer between remote
// management callers and a backend: rules, a copy-on-write rule chain and
// the forwarding Gateway.
package intercept
