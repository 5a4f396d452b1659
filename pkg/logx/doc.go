// Package logx is scenedeck's structured logging facade over zerolog.
//
// Components receive a Logger value and attach fixed fields with With()
// (typically a "comp" field). The Service owns the sinks (console and an
// optional JSON file) and can swap level/outputs at runtime via Apply()
// without invalidating previously handed-out Loggers.
package logx
