// Package einoah implements Ei Noah, a Discord bot for saving and
// browsing quotes of guild members.
//
// The bot's core is OpenMenu, an interactive selection menu posted as a
// message with buttons: items are shown five per page, and the user who
// opened it can page through them, pick one, or press one of the
// caller's extra buttons. A menu closes (and its message is deleted)
// after a selection, an extra action, an idle timeout, or shutdown.
//
// Key components of the package include:
//
//   - EiNoah: wires the config, database, Discord session and admin API,
//     and routes incoming interactions.
//   - Discord: the gateway session and application command registration.
//   - Menus: OpenMenu, its pagination and the menuRouter delivering
//     button presses to open sessions.
//   - Quotes: the Guild, User, GuildUser and Quote models, and the
//     /quote command.
//   - API: the gin admin API, for runtime config, quotes and
//     interaction logs.
//
// The bot supports these commands:
//
//   - /quote get, add, remove, random and help
//   - Quote opslaan: a message command saving a message as a quote of
//     its author
package einoah
