// Package logx is jobrunner's structured logging: a small value-type Logger
// over zerolog whose sinks can be swapped at runtime by Service.Apply.
// Console output is human readable with a short caller; file output is JSON.
// Below-threshold lines can be rate limited with a token bucket.
package logx
