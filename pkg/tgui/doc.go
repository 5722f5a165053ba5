// Package tgui provides small Telegram UI helpers:
//   - Escaping helpers for ParseMode="HTML"
//   - A message builder (text + send options + optional link button)
//   - Rune-safe truncation
package tgui
