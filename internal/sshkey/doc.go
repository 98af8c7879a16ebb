// Package sshkey manages the installation SSH key pair and everything that
// talks to a sandbox's ssh daemon: the readiness probe used after start and
// bootstrap, and the client command used to hand a terminal over to a
// sandbox.
package sshkey
