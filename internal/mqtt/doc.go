// Package mqtt makes Hark a Home Assistant device. It publishes retained
// discovery configs for a handful of sensors (gate state, connected tool
// servers, tool count, model, wake words today) plus two buttons, keeps
// their state topics current from a periodic loop and the event bus, and
// routes button presses on the command topic back into the agent.
//
// Connection management is Eclipse Paho v2's [autopaho]. Discovery, the
// "online" birth message and the command subscription are redone on
// every (re-)connect; a will message flips availability to "offline" on
// an unexpected disconnect.
package mqtt
