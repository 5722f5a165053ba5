// Package logx is the bot's logging layer over zerolog.
//
// Console output is human-readable with a short caller; the log file gets
// JSON lines. WARN and ERROR lines can also be mirrored as HTML alerts into
// the operator chat, rate limited. Loggers handed out by a Service follow
// Service.Apply, so a config reload changes outputs without rewiring.
package logx
