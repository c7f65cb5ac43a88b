// Package logx configures pewpost's structured logging.
//
// Components log through logx.Logger, a thin value type on top of zerolog:
//   - console output stays human readable (short timestamp + file:line)
//   - the optional file sink writes JSON lines
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
package logx
