/*
Package mgmtagent documents the mgmtagent module.

This module is CLI-first and ships the mgmtagent command:

	go install github.com/nuetzliches/mgmtagent/cmd/mgmtagent@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package mgmtagent
