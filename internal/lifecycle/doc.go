// Package lifecycle connects the job runner to its host process: which
// instance is primary, what systemd is told, and which signals mean
// "became active" or "entered background".
package lifecycle
