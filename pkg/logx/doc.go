// Package logx configures guildbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forward sink (min-level + rate limiting), used to relay
//     warnings to a chat transport
package logx
