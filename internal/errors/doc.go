// Package errors provides the typed error taxonomy for redock.
//
// Every failure that crosses a package boundary is a *RedockError carrying a
// Kind, the attempted operation and the sandbox address:
//
//	errors.NotRunning("commit", "alice:build")
//	errors.EngineOperation("commit", err)
//	errors.ConfigWrite(path, err)
//
// Kinds map to process exit codes so the command surface can exit with a
// per-kind status:
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
package errors
