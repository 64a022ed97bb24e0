// Package ocpp drives virtual charge points against an OCPP 1.6-J
// central system over WebSocket.
//
// ChargePoint is a low-level client for a single charge point
// connection: it correlates calls with results, answers central system
// initiated calls, and exposes helpers for the common charge point
// actions. Adapter builds on it to manage chargers and charging
// transactions as tracked resources. CentralSystem is an in-process
// central system for tests.
package ocpp
