// Package logging provides logging utilities for redock.
//
// Two kinds of output are kept apart:
//   - Debug logging: structured records via slog, level set by -v
//   - User output: short status lines for the operator
//
//	logging.Debug("creating container", "image", ref)
//	logging.UserSuccess("Sandbox %s is running", addr)
package logging
