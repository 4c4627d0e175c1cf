// Package nmt implements the CANopen network management service (CiA 301
// and CiA 302): the node lifecycle state machine, master-driven slave
// boot-up, and error control via heartbeat and node/life guarding.
//
// # Service
//
// A Service is created bound to a frame Sender and an object dictionary.
// It starts in Init; applying Reset-Node runs the default startup chain
// Reset-Application → Reset-Communication → Bootup → Pre-Operational and,
// unless the startup word says otherwise, Operational. Automatic
// transitions resolve fully before any entry point returns; every
// intermediate state is reported through the state-change callback.
//
// In the master role (startup word bit 0) the Service owns a slave table
// indexed by node-ID, a pool of heartbeat consumers built from the 1016
// table, and an outgoing command queue drained in FIFO order under the
// NMT inhibit time (object 102A). Entering Pre-Operational starts the
// boot-slave procedure: every node flagged in the 1F81 assignment table
// gets a boot process, and the master holds off Operational until all
// mandatory slaves have booted.
//
// # Boot Process
//
// The per-slave boot process validates the remote identity objects against
// the expected values configured in 1F84..1F88, probes or resets the node,
// optionally updates its firmware through the 1F5x program-control
// objects, verifies the configuration date and time, and finally starts
// error control. Its outcome is one of the single-letter statuses of
// BootStatus, delivered through the boot-complete callback.
//
// # Event Model
//
// The package has no goroutines, locks or internal timers. The embedding
// application owns a reactor that feeds received frames into OnFrame and
// the passage of time into OnTime, both with an explicit timestamp; see
// cmd/nmt-master for a reference reactor. Callbacks fire synchronously
// from within those calls.
package nmt
