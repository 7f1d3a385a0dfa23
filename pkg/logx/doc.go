// Package logx provides a small structured-logging facade over zerolog.
//
// Components receive a logx.Logger by value; the zero value is a safe no-op,
// so wiring a logger is never mandatory for tests.
package logx
