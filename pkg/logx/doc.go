// Package logx configures trellis' structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forwarding of warn+ lines to an operator notification channel
//     (min-level + rate limiting)
package logx
