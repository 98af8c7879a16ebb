// Package sshconfig keeps a managed region of the operator's ssh client
// configuration in sync with the set of running sandboxes.
//
// The region is bounded by BeginMarker and EndMarker. Everything outside
// it belongs to the operator and is preserved byte for byte across
// rewrites. Inside it, one Host block is rendered per fragment, sorted by
// alias, so that rendering the same set twice yields identical bytes.
package sshconfig
