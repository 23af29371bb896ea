// Package assistant implements a Discord bot that helps a group of friends
// keep track of things they want to do together.
//
// Users suggest places to eat or ways to hang out, ask the bot to pick one
// for them, and mark suggestions as completed once the squad has done them.
// Completed suggestions are kept as a dated history, newest first.
//
// Main components of the package:
//
//   - Assistant: ties together configuration, the suggestion store,
//     Discord, the status API and the command audit log.
//   - SuggestionStore: in-memory active suggestions and completion
//     history, per category.
//   - Discord: gateway session, slash command registration and handlers.
//   - DiscordWebhookServer: receives interactions over HTTP instead of
//     the gateway.
//   - API: read-only status endpoints.
//
// Commands are available as slash commands:
//
//   - /suggest, /remove, /clear
//   - /pickforme, /completed
//   - /history, /suggestions
//
// and, when message commands are enabled, as prefixed chat messages
// (!suggest, !pickForMe, !currentSuggestions, ...).
package assistant
