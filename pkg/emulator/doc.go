// Package emulator provides in-process charge point emulation.
//
// A Charger runs a tick loop that walks connectors through the OCPP
// status cycle, follows a realistic charging curve, and emits boot,
// status, periodic data, and meter value events through a Publisher.
// Fault rules can force a charger status when an expression over the
// live state matches. Fleet manages groups of chargers, and Adapter
// exposes emulated chargers and transactions as managed resources so
// test harnesses can mix them with real backends.
package emulator
